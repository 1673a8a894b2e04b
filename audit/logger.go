// Package audit records the security audit trail of the key vault: item
// writes, key rotations, migrations, invalidations and key retirements.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// Source identifies the writer, e.g. a host name. Defaults to "keyvault".
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

const defaultSource = "keyvault"

// Metadata keys lifted into dedicated Event fields.
const (
	MetaRequestID  = "request_id"
	MetaError      = "error"
	MetaService    = "service"
	MetaItemKey    = "item_key"
	MetaKeyVersion = "key_version"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Service    string                 `json:"service,omitempty"`
	ItemKey    string                 `json:"item_key,omitempty"`
	KeyVersion string                 `json:"key_version,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Source     string                 `json:"source,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since      *time.Time
	Until      *time.Time
	Action     string
	Success    *bool // nil = all, true = only success, false = only failures
	Service    string
	ItemKey    string
	KeyVersion string
	Limit      int
	Offset     int

	// SecurityCritical keeps rotation, invalidation and retirement events.
	SecurityCritical bool
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// NewEvent builds an event, moving the well-known metadata keys into their
// fields. The metadata map is copied.
func NewEvent(action string, success bool, metadata map[string]interface{}, source string) Event {
	if source == "" {
		source = defaultSource
	}
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Source:    source,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		s, isString := v.(string)
		switch {
		case k == MetaRequestID && isString:
			event.RequestID = s
		case k == MetaError && isString:
			event.Error = s
		case k == MetaService && isString:
			event.Service = s
		case k == MetaItemKey && isString:
			event.ItemKey = s
		case k == MetaKeyVersion && isString:
			event.KeyVersion = s
		case k == "timestamp":
			// the event carries its own
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

// Matches reports whether event passes the filters of options.
func (options QueryOptions) Matches(event Event) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.Service != "" && event.Service != options.Service {
		return false
	}
	if options.ItemKey != "" && event.ItemKey != options.ItemKey {
		return false
	}
	if options.KeyVersion != "" && event.KeyVersion != options.KeyVersion {
		return false
	}
	if options.SecurityCritical && !IsSecurityCritical(event.Action) {
		return false
	}
	return true
}

// IsSecurityCritical reports actions that change which keys protect data.
func IsSecurityCritical(action string) bool {
	switch action {
	case "ROTATE_START", "ROTATE_SUCCESS", "ROTATE_FAILED", "KEY_INVALIDATED", "KEY_REPLACED", "KEY_RETIRED":
		return true
	}
	return false
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
