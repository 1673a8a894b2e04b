package misc

import "strings"

// IsNotFoundError matches the not-found wording used by the storage backends
// that do not expose typed errors.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "nosuchkey")
}
