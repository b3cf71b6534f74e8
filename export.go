package lockbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/snapshot"
	"southwinds.dev/lockbox/persist"
)

var errExportsDisabled = errors.New("no export store configured")

// ExportNow copies the active vault file to a timestamped export and prunes older exports
// of the same format down to the retention count. It returns where the export was written.
//
// The vault is loaded and saved first so a wrong passphrase fails the export and the
// copied file is freshly normalized. Mirroring to Options.RemoteExports is best effort:
// its failures are logged and audited but do not fail the export.
func (v *Vault) ExportNow(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrVaultClosed
	}

	result, err := v.export(ctx)

	metadata := map[string]interface{}{}
	if result != nil {
		metadata["name"] = result.Name
		metadata["format"] = result.Format
		metadata["size"] = result.Size
		metadata["checksum"] = result.Checksum
		metadata["pruned"] = len(result.Pruned)
	}
	v.logAudit(audit.ActionExport, err, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to export vault: %w", err)
	}

	v.lastExport = result
	return result.Path, nil
}

// export does the work of ExportNow. Caller holds mu.
func (v *Vault) export(ctx context.Context) (*ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.exports == nil {
		return nil, errExportsDisabled
	}

	state, err := v.state()
	if err != nil {
		return nil, err
	}
	if state == StateUninitialized {
		return nil, ErrNotInitialized
	}

	var l *loaded
	err = v.withRetry("export", func() error {
		l, err = v.load(ctx)
		if err != nil {
			return err
		}
		return v.save(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	var (
		data *persist.VersionedData
		ext  string
	)
	if l.state == StateEncrypted {
		data, err = v.store.LoadBundle()
		ext = snapshot.ExtEncrypted
	} else {
		data, err = v.store.LoadPlaintext()
		ext = snapshot.ExtPlaintext
	}
	if err != nil {
		return nil, &IOError{Op: "read vault for export", Path: v.store.Location(), Err: err}
	}

	ts := time.Now().UTC()
	if v.lastExport != nil && !ts.After(v.lastExport.Time) {
		// two exports within the clock resolution must not share a name
		ts = v.lastExport.Time.Add(time.Nanosecond)
	}
	name := snapshot.Name(ts, ext)

	location, err := v.exports.SaveExport(ctx, name, data.Data)
	if err != nil {
		return nil, &IOError{Op: "write export", Path: name, Err: err}
	}

	result := &ExportResult{
		Name:     name,
		Path:     location,
		Format:   ext,
		Time:     ts,
		Size:     len(data.Data),
		Checksum: crypto.CalculateChecksum(data.Data),
	}

	retention := v.exportCfg.RetentionCount
	pruned, err := v.prune(ctx, v.exports, retention)
	result.Pruned = pruned
	v.logAudit(audit.ActionExportPrune, err, map[string]interface{}{
		"store":     v.exports.GetType(),
		"retention": retention,
		"pruned":    len(pruned),
	})
	if err != nil {
		v.log.Warn().Err(err).Int("retention", retention).Msg("failed to prune exports")
	}

	if v.remoteExports != nil {
		result.Mirrored = v.mirror(ctx, name, data.Data, retention)
	}

	v.log.Info().Str("name", name).Str("location", location).Int("pruned", len(pruned)).Msg("vault exported")
	return result, nil
}

// mirror copies an export to the remote store and prunes it. Failures are not returned.
func (v *Vault) mirror(ctx context.Context, name string, data []byte, retention int) string {
	location, err := v.remoteExports.SaveExport(ctx, name, data)
	var pruned []string
	if err == nil {
		pruned, err = v.prune(ctx, v.remoteExports, retention)
	}

	v.logAudit(audit.ActionExportMirror, err, map[string]interface{}{
		"store":  v.remoteExports.GetType(),
		"name":   name,
		"pruned": len(pruned),
	})
	if err != nil {
		v.log.Error().Err(err).Str("store", v.remoteExports.GetType()).Msg("failed to mirror export")
	}
	return location
}

// prune deletes the exports outside the newest keep per format and returns their names.
func (v *Vault) prune(ctx context.Context, store persist.ExportStore, keep int) ([]string, error) {
	infos, err := store.ListExports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}

	var (
		pruned []string
		errs   []error
	)
	for _, s := range snapshot.Expired(names, keep) {
		if err = store.DeleteExport(ctx, s.Name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", s.Name, err))
			continue
		}
		pruned = append(pruned, s.Name)
	}
	return pruned, errors.Join(errs...)
}

// ListExports returns the retained exports, newest first. Files that do not follow the
// export naming scheme are ignored.
func (v *Vault) ListExports(ctx context.Context) ([]ExportEntry, error) {
	v.mu.Lock()
	exports := v.exports
	closed := v.closed
	v.mu.Unlock()

	if closed {
		return nil, ErrVaultClosed
	}
	if exports == nil {
		return nil, errExportsDisabled
	}

	infos, err := exports.ListExports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	byName := make(map[string]persist.ExportInfo, len(infos))
	snaps := make([]snapshot.Snapshot, 0, len(infos))
	for _, info := range infos {
		s, ok := snapshot.Parse(info.Name)
		if !ok {
			continue
		}
		byName[info.Name] = info
		snaps = append(snaps, s)
	}
	snapshot.SortNewestFirst(snaps)

	entries := make([]ExportEntry, 0, len(snaps))
	for _, s := range snaps {
		info := byName[s.Name]
		entries = append(entries, ExportEntry{
			Name:      s.Name,
			Format:    s.Ext,
			Timestamp: s.Timestamp,
			Size:      info.Size,
			Location:  info.Location,
		})
	}
	return entries, nil
}

// ConfigureExport replaces the schedule and retention. A zero interval or retention keeps
// the current value, so ConfigureExport(false, 0, 0) only disables scheduling. A running
// Scheduler picks the new configuration up immediately.
func (v *Vault) ConfigureExport(enabled bool, intervalHours, retentionCount int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	if intervalHours == 0 {
		intervalHours = v.exportCfg.IntervalHours
	}
	if retentionCount == 0 {
		retentionCount = v.exportCfg.RetentionCount
	}

	cfg := ExportConfig{
		Enabled:        enabled,
		IntervalHours:  intervalHours,
		RetentionCount: retentionCount,
		Dir:            v.exportCfg.Dir,
	}

	metadata := map[string]interface{}{
		"enabled":         enabled,
		"interval_hours":  intervalHours,
		"retention_count": retentionCount,
	}

	if err := cfg.Validate(); err != nil {
		v.logAudit(audit.ActionExportConfigure, err, metadata)
		return err
	}

	v.exportCfg = cfg
	v.logAudit(audit.ActionExportConfigure, nil, metadata)

	select {
	case v.exportChanged <- struct{}{}:
	default:
	}
	return nil
}

// ExportConfig returns the current export configuration.
func (v *Vault) ExportConfig() ExportConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exportCfg
}

func (v *Vault) ExportConfigChanged() <-chan struct{} {
	return v.exportChanged
}

// Scheduler runs ExportNow on the interval of the vault's export configuration.
// Failed exports are logged and the loop continues.
type Scheduler struct {
	vault VaultService
	log   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler for vault.
func NewScheduler(vault VaultService, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		vault: vault,
		log:   logger.With().Str("component", "export-scheduler").Logger(),
	}
}

// Start launches the export loop. It stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info().Msg("export scheduler started")
	return nil
}

// Stop cancels the loop and waits for an export in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("export scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Configure applies cfg to the vault; the loop reschedules on the change.
func (s *Scheduler) Configure(cfg ExportConfig) error {
	return s.vault.ConfigureExport(cfg.Enabled, cfg.IntervalHours, cfg.RetentionCount)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		cfg := s.vault.ExportConfig()

		// a nil channel never fires, which parks the loop while exports are disabled
		var tick <-chan time.Time
		var timer *time.Timer
		if cfg.Enabled {
			timer = time.NewTimer(cfg.Interval())
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.vault.ExportConfigChanged():
			stopTimer(timer)
			s.log.Debug().Msg("export configuration changed, rescheduling")
		case <-tick:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	path, err := s.vault.ExportNow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Debug().Err(err).Msg("export abandoned")
			return
		}
		s.log.Error().Err(err).Msg("scheduled export failed")
		return
	}
	s.log.Info().Str("path", path).Dur("took", time.Since(start)).Msg("scheduled export completed")
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
