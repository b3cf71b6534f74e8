//go:build !windows && !plan9

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

// Ensure SyslogLogger implements Logger interface
var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger implements Logger for syslog
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			syslogOpts.Priority = int(syslog.LOG_ERR | syslog.LOG_AUTH)
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_AUTH)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_AUTH)
		}
	}

	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "lockbox-audit"
	}

	var writer *syslog.Writer
	var err error

	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	source := s.config.Source
	if source == "" {
		source = "lockbox"
	}
	return s.writeEvent(newEvent(action, success, source, metadata))
}

func (s *SyslogLogger) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// Query is unsupported: syslog is write-only from here. Pair it with a file logger to query.
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	severity, ok := severityOf(event, s.config.LogLevel)
	if !ok {
		return nil
	}

	message, err := formatSyslogMessage(event)
	if err != nil {
		return err
	}

	switch severity {
	case syslog.LOG_ERR:
		return s.writer.Err(message)
	case syslog.LOG_WARNING:
		return s.writer.Warning(message)
	case syslog.LOG_NOTICE:
		return s.writer.Notice(message)
	default:
		return s.writer.Info(message)
	}
}

// severityOf maps an event to a syslog severity. ok is false when level filters it out;
// failures and passphrase or unlock events are never filtered.
func severityOf(event Event, level string) (syslog.Priority, bool) {
	switch {
	case !event.Success && event.Error != "":
		return syslog.LOG_ERR, true
	case !event.Success:
		return syslog.LOG_WARNING, true
	case IsPassphraseAction(event.Action):
		return syslog.LOG_NOTICE, true
	case level == "error" || level == "warn":
		return syslog.LOG_INFO, false
	default:
		return syslog.LOG_INFO, true
	}
}

// formatSyslogMessage leads with key=value pairs for grep and appends the full event.
func formatSyslogMessage(event Event) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit event: %w", err)
	}

	status := "ok"
	if !event.Success {
		status = "failed"
	}
	return fmt.Sprintf("LOCKBOX_AUDIT action=%s status=%s id=%s %s", event.Action, status, event.ID, eventJSON), nil
}
