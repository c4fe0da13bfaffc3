// Package privacy cleans record content before it is stored or indexed.
// Agents mark text they never want persisted with <private> blocks, and
// credentials copied out of logs and error output are masked.
package privacy

import (
	"regexp"
	"strings"
)

// Mask replaces every credential found in content.
const Mask = "[REDACTED]"

var privateBlock = regexp.MustCompile(`(?s)<private>.*?</private>`)

type rule struct {
	re   *regexp.Regexp
	repl string
}

var credentialRules = []rule{
	// key=value and key: value, keeping the key.
	{regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token)(\s*[:=]\s*)("[^"]*"|'[^']*'|\S+)`), "${1}${2}" + Mask},
	{regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]{16,}`), "${1} " + Mask},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`), Mask},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`), Mask},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), Mask},
	{regexp.MustCompile(`(?i)\b(postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://([^:/\s]+):[^@\s]+@`), "${1}://${2}:" + Mask + "@"},
}

// Clean strips private blocks, masks credentials and trims the result.
func Clean(content string) string {
	return RedactCredentials(StripPrivateTags(content))
}

// StripPrivateTags removes all <private>...</private> blocks.
func StripPrivateTags(content string) string {
	return strings.TrimSpace(privateBlock.ReplaceAllString(content, ""))
}

// RedactCredentials masks tokens, keys and passwords embedded in content.
func RedactCredentials(content string) string {
	for _, r := range credentialRules {
		content = r.re.ReplaceAllString(content, r.repl)
	}
	return content
}

// EntirelyPrivate reports whether nothing but private blocks and whitespace
// remains of a non-blank content.
func EntirelyPrivate(content string) bool {
	return strings.TrimSpace(content) != "" && StripPrivateTags(content) == ""
}
