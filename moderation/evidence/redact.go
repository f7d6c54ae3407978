package evidence

import (
	"fmt"
	"regexp"
)

// PII patterns scrubbed from all free-text fields before anything is
// persisted. Email is the contractual floor; the others cover the common
// identifier shapes vendors echo back in their reasoning strings.
// Order matters: longer digit patterns (cards) are matched before shorter
// ones (phones) so a card number is not partially eaten as a phone.
var redactionPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"card", regexp.MustCompile(`\b\d(?:[ \-]?\d){12,15}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"phone", regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)},
}

// Replaces recognized PII with typed redaction markers, eg
// "[REDACTED:email]". Idempotent: markers themselves contain no PII shapes.
func Redact(text string) string {
	for _, p := range redactionPatterns {
		text = p.re.ReplaceAllStringFunc(text, func(match string) string {
			redactionCount.WithLabelValues(p.kind).Inc()
			return fmt.Sprintf("[REDACTED:%s]", p.kind)
		})
	}
	return text
}
