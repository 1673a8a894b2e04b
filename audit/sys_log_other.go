//go:build windows || plan9

package audit

import "fmt"

// NewSyslogLogger is unavailable on this platform.
func NewSyslogLogger(config *Config) (Logger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on this platform")
}
