package evm

import "regexp"

// revertPatterns probes common shapes node RPCs and ERC-20/3009 tokens use
// to surface a revert reason in an error string. Ordered most- to
// least-specific; the first match wins.
var revertPatterns = []*regexp.Regexp{
	regexp.MustCompile(`reverted with reason string ['"](.+?)['"]`),
	regexp.MustCompile(`reverted with "(.+?)"`),
	regexp.MustCompile(`execution reverted: (.+?)(?:"|$)`),
	regexp.MustCompile(`reason: (.+?)(?:"|$)`),
	regexp.MustCompile(`FiatToken[^:]*: (.+?)(?:"|$)`),
}

// ExtractRevertReason pulls a human-readable revert reason out of an RPC
// error string, falling back to the raw message when no known shape
// matches. Common causes surfaced this way: the nonce was already used,
// the facilitator's balance changed between acquire and submit, the
// authorization's time window elapsed, or the signature didn't recover to
// `from`.
func ExtractRevertReason(errMsg string) string {
	for _, pattern := range revertPatterns {
		if m := pattern.FindStringSubmatch(errMsg); len(m) > 1 {
			return m[1]
		}
	}
	return errMsg
}
