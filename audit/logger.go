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
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog" or empty for none
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Source   string                 `json:"source,omitempty" yaml:"source,omitempty"` // recorded on every event, e.g. hostname
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Actions recorded by the vault.
const (
	ActionVaultInit          = "VAULT_INIT"
	ActionVaultLoad          = "VAULT_LOAD"
	ActionVaultUnlock        = "VAULT_UNLOCK"
	ActionVaultMigrate       = "VAULT_MIGRATE"
	ActionVaultClose         = "VAULT_CLOSE"
	ActionPassphraseSet      = "PASSPHRASE_SET"
	ActionPassphraseRotate   = "PASSPHRASE_ROTATE"
	ActionPassphraseAccess   = "PASSPHRASE_ACCESS"
	ActionPassphraseGenerate = "PASSPHRASE_GENERATE"
	ActionBackupGenerate     = "BACKUP_CODES_GENERATE"
	ActionBackupUse          = "BACKUP_CODE_USE"
	ActionEntrySet           = "ENTRY_SET"
	ActionEntryGet           = "ENTRY_GET"
	ActionEntryDelete        = "ENTRY_DELETE"
	ActionEntryList          = "ENTRY_LIST"
	ActionExport             = "EXPORT"
	ActionExportPrune        = "EXPORT_PRUNE"
	ActionExportMirror       = "EXPORT_MIRROR"
	ActionExportConfigure    = "EXPORT_CONFIGURE"
)

// Actions lists every action the vault records, for filters and shell completion.
func Actions() []string {
	return []string{
		ActionVaultInit, ActionVaultLoad, ActionVaultUnlock, ActionVaultMigrate, ActionVaultClose,
		ActionPassphraseSet, ActionPassphraseRotate, ActionPassphraseAccess, ActionPassphraseGenerate,
		ActionBackupGenerate, ActionBackupUse,
		ActionEntrySet, ActionEntryGet, ActionEntryDelete, ActionEntryList,
		ActionExport, ActionExportPrune, ActionExportMirror, ActionExportConfigure,
	}
}

// Well known metadata keys lifted into Event fields.
const (
	MetaError    = "error"
	MetaEntryKey = "key"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	EntryKey  string                 `json:"entry_key,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"` // hostname, "cli", "scheduler"
	SessionID string                 `json:"session_id,omitempty"`
	Command   string                 `json:"command,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since            *time.Time
	Until            *time.Time
	Action           string
	Success          *bool // nil = all, true = only success, false = only failures
	EntryKey         string
	Limit            int
	Offset           int
	PassphraseAccess bool // Filter for passphrase-related events
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

// newEvent builds an event, lifting well known metadata keys into their own fields.
func newEvent(action string, success bool, source string, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Source:    source,
	}

	if len(metadata) == 0 {
		return event
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case MetaError:
			event.Error = fmt.Sprint(v)
		case MetaEntryKey:
			event.EntryKey = fmt.Sprint(v)
		case "session_id":
			event.SessionID = fmt.Sprint(v)
		case "command":
			event.Command = fmt.Sprint(v)
		case "duration_ms":
			if d, ok := v.(int64); ok {
				event.Duration = d
			} else {
				rest[k] = v
			}
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}

	return event
}

// IsPassphraseAction reports whether an action touches the passphrase or unlock path.
func IsPassphraseAction(action string) bool {
	switch action {
	case ActionPassphraseSet, ActionPassphraseRotate, ActionPassphraseAccess,
		ActionBackupGenerate, ActionBackupUse, ActionVaultUnlock, ActionVaultMigrate:
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

// generateEventID creates a unique event ID
func generateEventID() string {
	return uuid.NewString()
}
