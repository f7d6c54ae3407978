// Moderation decision core for user-submitted marketplace content.
//
// This package (`github.com/arbiter-mod/sieve/moderation`) contains the shared types for an ensemble moderation pipeline: submitted content is scanned by multiple independent AI classification vendors, the per-vendor results are aggregated into a single confidence/category result, and a risk-based decision engine turns that result into an accept/limit/block/review verdict adjusted for the submitter's trust history. Every decision is backed by a redacted, content-addressed evidence bundle and an append-only audit trail.
//
// The pipeline itself lives in `moderation/engine`; see `cmd/sieved` for a daemon built on these packages.
package moderation
