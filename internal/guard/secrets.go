package guard

import (
	"regexp"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

type secretPattern struct {
	reason string
	re     *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"Google API key pattern", regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{20,}\b`)},
	{"OpenAI key pattern", regexp.MustCompile(`(?:^|[^A-Za-z0-9])sk-[A-Za-z0-9]{20,}\b`)},
	{"GitHub token pattern", regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`)},
	{"GitHub token pattern", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`)},
	{"Slack token pattern", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"Slack token pattern", regexp.MustCompile(`\bxapp-[A-Za-z0-9-]{10,}\b`)},
	{"Long hex token", regexp.MustCompile(`(?i)\b[a-f0-9]{48,}\b`)},
	{"Long base64-like token", regexp.MustCompile(`\b[A-Za-z0-9+/]{60,}={0,2}`)},
}

// DetectSecret returns the reason for the first secret-like pattern found in
// text, or "" when none matches.
func DetectSecret(text string) string {
	for _, p := range secretPatterns {
		if p.re.MatchString(text) {
			return p.reason
		}
	}
	return ""
}

// ScreenSecrets rejects content that looks like it contains credentials,
// unless the policy allows secrets.
func (g *Guard) ScreenSecrets(texts ...string) error {
	if g.policy.AllowSecrets {
		return nil
	}
	for _, t := range texts {
		if reason := DetectSecret(t); reason != "" {
			return &errs.SecretDetected{Reason: reason}
		}
	}
	return nil
}
