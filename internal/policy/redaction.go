package policy

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern *regexp.Regexp
	repl    string
}

var (
	// Google API keys and key= query parameters as they appear in dial URLs.
	secretRules = []rule{
		{regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`), "[REDACTED_KEY]"},
		{regexp.MustCompile(`([?&](?:key|api_key|access_token)=)[^&\s"']+`), "${1}[REDACTED_KEY]"},
		{regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`), "${1}[REDACTED_KEY]"},
	}

	// Card numbers run before phone numbers so they are not classified as phones.
	piiRules = []rule{
		{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
		{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
		{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
	}
)

func applyRules(in string, rules []rule) (string, bool) {
	out := in
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.repl)
	}
	return out, out != in
}

// Redactor scrubs the upstream credential from text that may reach a client
// or a log line.
type Redactor struct {
	secrets []string
}

// NewRedactor masks the given literal secrets in addition to well-known key
// shapes. Values shorter than 6 characters are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) >= 6 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

func (r *Redactor) Redact(in string) string {
	if r == nil || in == "" {
		return in
	}
	out := in
	for _, s := range r.secrets {
		out = strings.ReplaceAll(out, s, "[REDACTED_SECRET]")
	}
	out, _ = applyRules(out, secretRules)
	return out
}

// RedactPII masks common high-risk PII patterns in user-provided text.
func RedactPII(input string) (redacted string, changed bool) {
	return applyRules(input, piiRules)
}
