package moderation

// Shared category vocabulary. Each vendor adapter maps its own taxonomy onto
// these values; the ensemble and decision engine only ever see this set.
const (
	CategoryHarassment  = "harassment"
	CategoryHate        = "hate"
	CategorySpam        = "spam"
	CategoryViolence    = "violence"
	CategoryNSFW        = "nsfw"
	CategoryScam        = "scam"
	CategoryCounterfeit = "counterfeit"
	CategorySelfHarm    = "self-harm"

	// Sentinel categories: "safe" when no vendor reported anything
	// actionable, "error" when the engine could not complete a pass.
	CategorySafe  = "safe"
	CategoryError = "error"
)

// Dedupe preserving order of first appearance.
func DedupeStrings(all []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range all {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}
