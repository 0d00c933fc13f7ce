package sanitize

import (
	"html"
	"regexp"
	"strings"
)

var newlinePattern = regexp.MustCompile(`[\r\n]`)

// String trims and HTML-escapes a value destined for rendered output,
// such as broker error text embedded in an alert email.
func String(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// LogString strips newlines so untrusted input cannot forge log records.
func LogString(s string) string {
	return newlinePattern.ReplaceAllString(s, " ")
}

// Email normalizes an address for comparison and delivery.
func Email(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Digits keeps only ASCII digits. Verification codes arrive typed by
// hand ("123 456", "123-456") and the brokerage wants them bare.
func Digits(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MaskAccountNumber hides all but the last four characters of a
// brokerage account number for logs and notification emails.
func MaskAccountNumber(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
