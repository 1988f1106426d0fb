package webhook

import (
	"regexp"
	"strings"
)

// questionPatterns match assistant text that is asking the user something
// and therefore needs attention on the task board.
var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:should|would|could|can|do|does|shall|will)\s+(?:i|we|you)\b[^.?!]*\?`),
	regexp.MustCompile(`(?i)\bwhich\s+(?:option|approach|one|way)\b[^.?!]*\?`),
	regexp.MustCompile(`(?i)\b(?:let me know|please (?:confirm|clarify|choose|specify))\b`),
	regexp.MustCompile(`(?i)\bwhat\s+(?:would|do)\s+you\s+(?:prefer|like|want|think)\b`),
}

// DetectedQuestion is one question found in assistant output.
type DetectedQuestion struct {
	Text string `json:"text"`
}

// QuestionDetector scans the tail of an assistant turn for questions
// directed at the user. One detector instance covers one response.
type QuestionDetector struct{}

// Detect inspects the final text of a completed turn. Detection only
// considers the last paragraph: questions mid-response are usually
// rhetorical or already answered by the assistant itself.
func (QuestionDetector) Detect(text string) *DetectedQuestion {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	paragraphs := strings.Split(text, "\n\n")
	tail := strings.TrimSpace(paragraphs[len(paragraphs)-1])
	if tail == "" {
		return nil
	}
	for _, pat := range questionPatterns {
		if loc := pat.FindString(tail); loc != "" {
			return &DetectedQuestion{Text: tail}
		}
	}
	return nil
}
