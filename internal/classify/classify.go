// Package classify maps raw agent errors to stable user-facing messages.
package classify

import "regexp"

var authCode = regexp.MustCompile(`\b40[13]\b`)
var rateCode = regexp.MustCompile(`429`)
var unavailCode = regexp.MustCompile(`503`)
var connRefused = regexp.MustCompile(`ECONNREFUSED`)
var dnsFailed = regexp.MustCompile(`ENOTFOUND`)

// Classify maps a raw error string to the stable taxonomy. Rules apply in
// order; an unrecognized message passes through unchanged. This runs only on
// the ask error path — never on successful prompt completions, so legitimate
// reply text containing "503" is never rewritten.
func Classify(raw string) string {
	switch {
	case authCode.MatchString(raw):
		return "API key invalid or expired. Check your key."
	case rateCode.MatchString(raw):
		return "Rate limited. Check proxy quota."
	case unavailCode.MatchString(raw):
		return "Service unavailable. Check proxy status."
	case connRefused.MatchString(raw):
		return "Connection refused. Check base URL."
	case dnsFailed.MatchString(raw):
		return "DNS resolution failed. Check network."
	default:
		return raw
	}
}
