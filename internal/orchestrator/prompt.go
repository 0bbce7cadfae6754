package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// composeSystemPrompt builds the transient preamble sent at the head of
// every provider request. It is never persisted. The time snapshot lets the
// model resolve relative dates ("yesterday", "next Tuesday") without tool
// calls.
func composeSystemPrompt(now time.Time, timezone, persistent string) string {
	loc := time.Local
	if timezone != "" {
		if parsed, err := time.LoadLocation(timezone); err == nil {
			loc = parsed
		}
	}
	local := now.In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "Current date: %s\n", local.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&b, "Local time: %s (%s)\n", local.Format("15:04"), loc.String())
	fmt.Fprintf(&b, "UTC instant: %s\n", now.UTC().Format(time.RFC3339))
	b.WriteString("Use this timestamp when reasoning about relative dates and times.")

	if persistent != "" {
		b.WriteString("\n\n")
		b.WriteString(persistent)
	}
	return b.String()
}
