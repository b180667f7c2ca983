// Package abort recognizes and executes stop requests against active
// sessions: halting the runtime turn, flushing queued work, and
// recursively stopping spawned subagents.
package abort

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// triggerWords are the bare words that count as a stop request when sent
// as a standalone message.
var triggerWords = map[string]bool{
	"stop":      true,
	"esc":       true,
	"abort":     true,
	"wait":      true,
	"exit":      true,
	"interrupt": true,
}

var trailingPunctRE = regexp.MustCompile(`[.!?…,，。;；:：'")\]}]+$`)

// IsTrigger reports whether text is a stop request: the /stop command or
// a bare trigger word, after stripping mentions and trailing punctuation.
func IsTrigger(text string) bool {
	n := normalizeTriggerText(text)
	if n == "" {
		return false
	}
	if n == "/stop" {
		return true
	}
	return triggerWords[n]
}

// normalizeTriggerText lowercases, NFKC-normalizes (full-width chars and
// the like), drops leading @mentions, strips trailing punctuation, and
// collapses whitespace.
func normalizeTriggerText(text string) string {
	n := strings.ToLower(norm.NFKC.String(text))

	fields := strings.Fields(n)
	var kept []string
	for _, f := range fields {
		if strings.HasPrefix(f, "@") {
			continue
		}
		kept = append(kept, f)
	}
	n = strings.Join(kept, " ")

	n = trailingPunctRE.ReplaceAllString(n, "")
	return strings.TrimSpace(n)
}
