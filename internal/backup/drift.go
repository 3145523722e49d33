package backup

import (
	"regexp"
	"strings"

	"github.com/hivemesh/hivehub/internal/config"
)

// Severity buckets over risk_score.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// defaultDriftRules is the built-in heuristic table. Operators replace it
// wholesale via backup.drift_rules in the config file.
var defaultDriftRules = []config.DriftRule{
	{Pattern: `(?i)\b(password|passwd|secret|token|api[_-]?key|private[_-]?key)\b`, Weight: 0.40, Label: "credential_change"},
	{Pattern: `(?i)\b(allow|permit|accept)\b`, Weight: 0.50, Label: "access_widened"},
	{Pattern: `(?i)\b(deny|drop|reject|block)\b`, Weight: 0.15, Label: "access_restricted"},
	{Pattern: `(?i)\b(port|listen|bind)\b\s*[=: ]\s*\d+`, Weight: 0.25, Label: "network_change"},
	{Pattern: `(?i)\b(route|gateway|nameserver|dns)\b`, Weight: 0.20, Label: "network_change"},
	{Pattern: `(?i)\b(enable|start|systemctl\s+enable)\b`, Weight: 0.15, Label: "service_enabled"},
	{Pattern: `(?i)\b(disable|stop|systemctl\s+disable|masked?)\b`, Weight: 0.20, Label: "service_disabled"},
	{Pattern: `(?i)\b(root|sudo|wheel|admin)\b`, Weight: 0.25, Label: "privilege_change"},
	{Pattern: `(?i)\b(iptables|nftables|firewall|ufw|selinux)\b`, Weight: 0.25, Label: "firewall_change"},
	{Pattern: `(?i)\b(ssh|sshd|authorized_keys)\b`, Weight: 0.30, Label: "ssh_change"},
}

// compiledRule pairs a pattern with its weight.
type compiledRule struct {
	re     *regexp.Regexp
	weight float64
	label  string
}

// compileRules builds the active rule table. Invalid operator patterns are
// skipped; an empty input selects the built-in table.
func compileRules(rules []config.DriftRule) []compiledRule {
	if len(rules) == 0 {
		rules = defaultDriftRules
	}
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		out = append(out, compiledRule{re: re, weight: r.Weight, label: r.Label})
	}
	return out
}

// driftScore computes risk over a unified diff's changed lines: each rule
// contributes its weight once if any changed line matches, plus a size
// signal for large rewrites. The sum clamps to [0,1].
func driftScore(rules []compiledRule, diffText string, totalLines int) (score float64, labels []string) {
	changed := changedLines(diffText)
	if len(changed) == 0 {
		return 0, nil
	}
	joined := strings.Join(changed, "\n")

	seen := make(map[string]bool)
	for _, rule := range rules {
		if !rule.re.MatchString(joined) {
			continue
		}
		score += rule.weight
		if rule.label != "" && !seen[rule.label] {
			seen[rule.label] = true
			labels = append(labels, rule.label)
		}
	}

	// Relative change size: rewriting half the file is suspicious on its own.
	if totalLines > 0 {
		ratio := float64(len(changed)) / float64(totalLines)
		if ratio > 1 {
			ratio = 1
		}
		score += 0.2 * ratio
	}

	if score > 1 {
		score = 1
	}
	return score, labels
}

// changedLines extracts added/removed payload lines from a unified diff,
// skipping the file headers.
func changedLines(diffText string) []string {
	var out []string
	for _, line := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			out = append(out, line[1:])
		}
	}
	return out
}

// severityFor maps a risk score onto its bucket.
func severityFor(score float64) string {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.5:
		return SeverityHigh
	case score >= 0.2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// severityRank orders buckets for drift report sorting.
func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
