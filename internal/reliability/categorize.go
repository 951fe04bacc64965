package reliability

import "strings"

// ErrorCategory is the coarse category derived from an error's text
type ErrorCategory int

const (
	ErrorUnknown ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

var (
	authPatterns = []string{
		"authentication failed",
		"authenticationfailed",
		"authorizationfailed",
		"login failed",
		"invalid credentials",
		"bad credentials",
		"bad username or password",
		"access denied",
		"unauthorized",
		"web login required",
		"application-specific password required",
	}

	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"host unreachable",
		"no such host",
		"broken pipe",
		"connection lost",
		"connection closed",
		"use of closed network connection",
		"server misbehaving",
		"unexpected eof",
		"* bye",
		"[unavailable]",
		"server temporarily unavailable",
		"too many simultaneous connections",
		"[inuse]",
	}

	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}

	permanentPatterns = []string{
		"[nonexistent]",
		"no such mailbox",
		"mailbox does not exist",
		"[alreadyexists]",
		"already exists",
		"permission denied",
		"[noperm]",
		"quota exceeded",
		"[overquota]",
		"invalid mailbox",
		"[cannot]",
		"[limit]",
	}
)

// CategorizeError derives an error category from the error message. Protocol
// status responses only reach us as text, so matching on it is the only signal.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorUnknown
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, authPatterns) {
		return ErrorAuthentication
	}
	if containsAny(errStr, networkPatterns) {
		return ErrorNetwork
	}
	if containsAny(errStr, timeoutPatterns) {
		return ErrorTimeout
	}
	if containsAny(errStr, permanentPatterns) {
		return ErrorPermanent
	}
	return ErrorUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
