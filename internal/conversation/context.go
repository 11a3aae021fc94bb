package conversation

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Trim limits for the textual digest, keeping follow-up bodies inside a
// reasonable context window.
const (
	digestQuestionLimit = 200
	digestResponseLimit = 300
)

// PriorRound is the machine-readable form of a completed round carried
// in replyContext.priorRounds.
type PriorRound struct {
	Round     int        `json:"round"`
	Question  string     `json:"question"`
	Responses []Response `json:"responses"`
}

// Digest renders prior rounds as a compact text block prefixed to
// follow-up questions so participants see the conversation so far.
func Digest(rounds []Round) string {
	if len(rounds) == 0 {
		return ""
	}
	var b strings.Builder
	for _, round := range rounds {
		b.WriteString("── Round ")
		b.WriteString(strconv.Itoa(round.Round))
		b.WriteString(" ──\n")
		b.WriteString("Q: ")
		b.WriteString(trim(round.Question, digestQuestionLimit))
		b.WriteString("\n")
		for _, resp := range round.Responses {
			b.WriteString("  ")
			b.WriteString(resp.From)
			b.WriteString(": ")
			b.WriteString(trim(resp.Body, digestResponseLimit))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// priorRounds converts completed rounds for replyContext embedding.
func priorRounds(rounds []Round) []PriorRound {
	out := make([]PriorRound, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, PriorRound{Round: r.Round, Question: r.Question, Responses: r.Responses})
	}
	return out
}

// trim cuts on a rune boundary so multi-byte text never becomes
// invalid UTF-8.
func trim(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
