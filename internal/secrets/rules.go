package secrets

import "regexp"

// Rule finds one kind of credential. When Keywords are set the pattern
// only runs on text containing one of them, case-insensitively.
type Rule struct {
	ID       string
	Pattern  *regexp.Regexp
	Keywords []string
}

// DefaultRules covers the credentials that leak into goal output: hosting
// tokens, git remotes with embedded credentials, database URLs and the
// usual cloud and chat tokens.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "github-token", Pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`)},
		{ID: "github-fine-grained", Pattern: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`)},
		{ID: "git-remote-credentials", Pattern: regexp.MustCompile(`https?://[^/\s:@]+:[^@\s]+@`)},
		{ID: "webhook-signature", Pattern: regexp.MustCompile(`sha(?:1|256)=[0-9a-f]{40,64}`), Keywords: []string{"signature"}},
		{ID: "database-url", Pattern: regexp.MustCompile(`(?i)(?:postgres(?:ql)?|mysql|mongodb|redis|amqp|nats)://[^:\s]+:[^@\s]+@\S+`)},
		{ID: "aws-access-key-id", Pattern: regexp.MustCompile(`(?:A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`)},
		{ID: "private-key", Pattern: regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`)},
		{ID: "npm-token", Pattern: regexp.MustCompile(`npm_[A-Za-z0-9]{36}`)},
		{ID: "slack-token", Pattern: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
		{ID: "jwt", Pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`)},
		{ID: "bearer-token", Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.=-]{20,}`)},
		{
			ID:       "assigned-secret",
			Pattern:  regexp.MustCompile(`(?i)(?:secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
			Keywords: []string{"secret", "password", "passwd", "token"},
		},
	}
}
