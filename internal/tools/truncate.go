package tools

import (
	"fmt"
	"strings"
)

// DefaultMaxOutput is the character budget for a single tool result.
const DefaultMaxOutput = 80000

// Truncate bounds s to max characters. The cut prefers the last newline in
// the final fifth of the budget so truncated logs and diffs stay readable,
// and the notice tells the drone how to page for the rest.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	if nl := strings.LastIndexByte(s[:max], '\n'); nl >= max*4/5 {
		cut = nl
	}
	omitted := len(s) - cut
	return s[:cut] + fmt.Sprintf(
		"\n… [%d characters truncated; re-run with limit/offset arguments to page the rest]", omitted)
}
