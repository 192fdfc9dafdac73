package security

import (
	"regexp"
	"strings"
)

// injectionPatterns flag role-injection and instruction-override attempts in
// user text. Matching is case insensitive over a whitespace-collapsed copy.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(your|all|previous)\s+(instructions|rules|guidelines)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|no\s+longer)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all|your)\s+(you|instructions|rules)`),
	regexp.MustCompile(`(?i)\bnew\s+system\s+prompt\b`),
	regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
	regexp.MustCompile(`(?i)\[\s*system\s*\]`),
	regexp.MustCompile(`(?i)^\s*system\s*:`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(root|admin|administrator|the\s+system)\b`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+prompt|instructions|secrets)`),
}

// Sanitizer scans inbound user text for injection markers before it reaches
// a session or a model.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer { return &Sanitizer{} }

func (s *Sanitizer) Name() string { return "sanitizer" }

// Scan returns a BlockError when the text carries an injection marker.
func (s *Sanitizer) Scan(text string) error {
	collapsed := strings.Join(strings.Fields(text), " ")
	for _, re := range injectionPatterns {
		if re.MatchString(collapsed) {
			return &BlockError{Filter: s.Name(), Reason: "instruction override pattern detected"}
		}
	}
	return nil
}
