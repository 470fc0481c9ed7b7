package engine

import (
	"regexp"
	"strings"
)

// noChangeRe recognizes short "nothing changed" replies to a check-pattern
// question. Such replies mark the category reviewed without a save so stale
// emptiness never overwrites existing evidence.
var noChangeRe = regexp.MustCompile(`(?i)^(no|nope|nah|unchanged|no change|nothing changed|nothing new|same)\b`)

// isNoChangeReply reports whether the rep's utterance is a short negative /
// no-change answer.
func isNoChangeReply(text string) bool {
	return noChangeRe.MatchString(strings.TrimSpace(text))
}

var interrogativeRe = regexp.MustCompile(`(?i)^(what|who|whom|whose|when|where|which|why|how|is|are|was|were|do|does|did|can|could|would|will|shall|should|have|has|tell me|walk me|give me|talk me)\b`)

// handsBackToRep reports whether the assistant's utterance returns the turn
// to the rep: it ends in a question, or opens with an interrogative or an
// imperative that expects an answer.
func handsBackToRep(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasSuffix(last, "?") {
		return true
	}
	return interrogativeRe.MatchString(last)
}
