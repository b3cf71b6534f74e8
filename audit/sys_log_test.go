//go:build !windows && !plan9

package audit

import (
	"log/syslog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		level    string
		severity syslog.Priority
		emitted  bool
	}{
		{"failure with error", Event{Action: ActionEntryGet, Error: "boom"}, "info", syslog.LOG_ERR, true},
		{"failure without error", Event{Action: ActionEntryGet}, "error", syslog.LOG_WARNING, true},
		{"unlock", Event{Action: ActionVaultUnlock, Success: true}, "error", syslog.LOG_NOTICE, true},
		{"backup use", Event{Action: ActionBackupUse, Success: true}, "warn", syslog.LOG_NOTICE, true},
		{"routine", Event{Action: ActionEntryList, Success: true}, "info", syslog.LOG_INFO, true},
		{"routine filtered", Event{Action: ActionExport, Success: true}, "warn", syslog.LOG_INFO, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			severity, emitted := severityOf(tt.event, tt.level)
			assert.Equal(t, tt.emitted, emitted)
			if emitted {
				assert.Equal(t, tt.severity, severity)
			}
		})
	}
}

func TestFormatSyslogMessage(t *testing.T) {
	event := newEvent(ActionEntrySet, false, "host-1", map[string]interface{}{
		MetaEntryKey: "db/password",
		MetaError:    "vault is closed",
	})

	message, err := formatSyslogMessage(event)
	require.NoError(t, err)

	assert.Contains(t, message, "LOCKBOX_AUDIT action=ENTRY_SET status=failed id="+event.ID)
	assert.Contains(t, message, `"entry_key":"db/password"`)
	assert.Contains(t, message, `"source":"host-1"`)
}

func TestNewSyslogLoggerRequiresConfig(t *testing.T) {
	_, err := NewSyslogLogger(nil)
	assert.Error(t, err)
}
