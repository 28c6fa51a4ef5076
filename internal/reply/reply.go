// Package reply enforces output constraints on text surfaced to users.
package reply

import "strings"

// DefaultMaxQuestions is the question-mark budget for a single reply.
const DefaultMaxQuestions = 1

// Shaper trims replies down to a question budget and recognizes bare acknowledgements.
type Shaper struct {
	maxQuestions int
	acks         map[string]struct{}
}

// NewShaper creates a Shaper. A maxQuestions below 1 uses DefaultMaxQuestions.
func NewShaper(maxQuestions int, ackPhrases []string) *Shaper {
	if maxQuestions < 1 {
		maxQuestions = DefaultMaxQuestions
	}
	acks := make(map[string]struct{}, len(ackPhrases))
	for _, p := range ackPhrases {
		if p = normalize(p); p != "" {
			acks[p] = struct{}{}
		}
	}
	return &Shaper{maxQuestions: maxQuestions, acks: acks}
}

// Shape trims whitespace and, when the text holds more question marks than allowed,
// cuts it right after the first one.
func (s *Shaper) Shape(text string) string {
	text = strings.TrimSpace(text)
	if strings.Count(text, "?") > s.maxQuestions {
		text = strings.TrimSpace(text[:strings.Index(text, "?")+1])
	}
	return text
}

// IsAcknowledgement reports whether the utterance, case-normalized and trimmed,
// exactly matches a configured acknowledgement phrase.
func (s *Shaper) IsAcknowledgement(utterance string) bool {
	_, ok := s.acks[normalize(utterance)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
