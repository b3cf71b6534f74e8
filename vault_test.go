package lockbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/mem"
	"southwinds.dev/lockbox/persist"
)

const testPassphrase = "correct horse battery staple"

// newTestVault opens a file system vault in a fresh temp dir unless opts.BasePath is set.
func newTestVault(t *testing.T, opts Options) *Vault {
	t.Helper()

	if opts.BasePath == "" {
		opts.BasePath = t.TempDir()
	}

	svc, err := New(opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	var _ VaultService = &Vault{}
	return svc.(*Vault)
}

// reopen simulates a new process over the same directory.
func reopen(t *testing.T, v *Vault, passphrase string) *Vault {
	t.Helper()
	return newTestVault(t, Options{BasePath: v.options.BasePath, Passphrase: passphrase})
}

func vaultFile(v *Vault, name string) string {
	return filepath.Join(v.options.BasePath, name)
}

func createLogger(t *testing.T) audit.Logger {
	t.Helper()

	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	return logger
}

func TestVaultAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"RoundTripAcrossProcesses", testRoundTripAcrossProcesses},
		{"PlaintextMode", testPlaintextMode},
		{"Migration", testMigration},
		{"WrongPassphrase", testWrongPassphrase},
		{"EncryptedWithoutPassphrase", testEncryptedWithoutPassphrase},
		{"InitTwice", testInitTwice},
		{"EntryOperations", testEntryOperations},
		{"KeyValidation", testKeyValidation},
		{"Status", testStatus},
		{"Close", testClose},
		{"AuditTrail", testAuditTrail},
		{"MemoryProtection", testMemoryProtection},
		{"ConcurrentOperations", testConcurrentOperations},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testRoundTripAcrossProcesses(t *testing.T) {
	v := newTestVault(t, Options{})

	require.NoError(t, v.Init())
	require.NoError(t, v.SetPassphrase(testPassphrase))
	require.NoError(t, v.Set("callsign", "Trinity"))
	require.NoError(t, v.Close())

	fresh := reopen(t, v, testPassphrase)
	value, err := fresh.Get("callsign")
	require.NoError(t, err)
	assert.Equal(t, "Trinity", value)

	state, err := fresh.State()
	require.NoError(t, err)
	assert.Equal(t, StateEncrypted, state)
}

func testPlaintextMode(t *testing.T) {
	v := newTestVault(t, Options{})

	state, err := v.State()
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)

	doc, err := v.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Entries)

	require.NoError(t, v.Set("a", "1"))

	state, err = v.State()
	require.NoError(t, err)
	assert.Equal(t, StatePlaintext, state)

	raw, err := os.ReadFile(vaultFile(v, persist.PlaintextFile))
	require.NoError(t, err)

	var onDisk map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk, "entries")
	assert.Contains(t, onDisk, "backups")
	assert.Contains(t, onDisk, "updated_at")

	assert.NoFileExists(t, vaultFile(v, persist.BundleFile))
}

func testMigration(t *testing.T) {
	v := newTestVault(t, Options{})

	require.NoError(t, v.Set("a", "1"))
	require.NoError(t, v.Set("b", "2"))
	require.FileExists(t, vaultFile(v, persist.PlaintextFile))

	require.NoError(t, v.SetPassphrase(testPassphrase))

	assert.NoFileExists(t, vaultFile(v, persist.PlaintextFile))
	require.FileExists(t, vaultFile(v, persist.BundleFile))

	raw, err := os.ReadFile(vaultFile(v, persist.BundleFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"a"`)

	var bundle EncryptedBundle
	require.NoError(t, json.Unmarshal(raw, &bundle))
	assert.Len(t, bundle.Salt, 32)
	assert.Equal(t, 1, bundle.Version)

	fresh := reopen(t, v, testPassphrase)
	keys, err := fresh.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func testWrongPassphrase(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})
	require.NoError(t, v.Set("k", "v"))

	wrong := reopen(t, v, "not the passphrase")
	_, err := wrong.Get("k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))

	_, err = wrong.Load()
	assert.ErrorIs(t, err, ErrDecryption)

	// nothing was written by the failed attempts
	right := reopen(t, v, testPassphrase)
	value, err := right.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	// unlocking with a wrong passphrase leaves the active one alone
	err = right.SetPassphrase("still not the passphrase")
	assert.ErrorIs(t, err, ErrDecryption)
	value, err = right.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func testEncryptedWithoutPassphrase(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})
	require.NoError(t, v.Set("k", "v"))

	locked := reopen(t, v, "")
	_, err := locked.Get("k")
	assert.ErrorIs(t, err, ErrNoPassphrase)

	err = locked.Set("other", "x")
	assert.ErrorIs(t, err, ErrNoPassphrase)
	assert.NoFileExists(t, vaultFile(v, persist.PlaintextFile))

	require.NoError(t, locked.SetPassphrase(testPassphrase))
	value, err := locked.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func testInitTwice(t *testing.T) {
	v := newTestVault(t, Options{})

	require.NoError(t, v.Init())
	require.NoError(t, v.Set("k", "v"))

	err := v.Init()
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	value, err := v.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func testEntryOperations(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})

	require.NoError(t, v.Set("zeta", "1"))
	require.NoError(t, v.Set("alpha", "2"))
	require.NoError(t, v.Set("alpha", "3"))

	value, err := v.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "3", value)

	keys, err := v.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, keys)

	_, err = v.Get("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, v.Delete("zeta"))
	err = v.Delete("zeta")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	keys, err = v.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, keys)

	doc, err := v.Load()
	require.NoError(t, err)
	doc.Entries["alpha"] = "tampered"
	value, err = v.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "3", value, "Load must return a copy")
}

func testKeyValidation(t *testing.T) {
	v := newTestVault(t, Options{})

	for _, key := range []string{"", "   ", "bad\nkey", string(make([]byte, maxEntryKeyLength+1))} {
		err := v.Set(key, "x")
		assert.ErrorIs(t, err, ErrValidation, "key %q", key)
	}

	_, err := v.Get("")
	assert.ErrorIs(t, err, ErrValidation)

	var vErr *ValidationError
	require.ErrorAs(t, v.Delete(""), &vErr)
	assert.Equal(t, "key", vErr.Field)

	// JSON would replace invalid bytes with U+FFFD, so Get would not return what Set got
	err = v.Set("binary", "a\xffb")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "value", vErr.Field)
	_, err = v.Get("binary")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, v.Set("unicode", "pässwörd ✓\x00tab\t"))
	value, err := v.Get("unicode")
	require.NoError(t, err)
	assert.Equal(t, "pässwörd ✓\x00tab\t", value)
}

func testStatus(t *testing.T) {
	v := newTestVault(t, Options{})

	status, err := v.Status()
	require.NoError(t, err)
	assert.Equal(t, "uninitialized", status.StateName)
	assert.False(t, status.PassphraseActive)

	require.NoError(t, v.SetPassphrase(testPassphrase))
	require.NoError(t, v.Set("k", "v"))
	_, err = v.GenerateBackupCodes(2, 16)
	require.NoError(t, err)

	status, err = v.Status()
	require.NoError(t, err)
	assert.Equal(t, StateEncrypted, status.State)
	assert.True(t, status.Unlocked)
	assert.Equal(t, 1, status.Entries)
	assert.Equal(t, 2, status.BackupsUnused)
	assert.Equal(t, 0, status.BackupsUsed)
	assert.Equal(t, string(persist.StoreTypeFileSystem), status.StoreType)

	locked := reopen(t, v, "")
	status, err = locked.Status()
	require.NoError(t, err)
	assert.False(t, status.Unlocked)
	assert.Zero(t, status.Entries)
}

func testClose(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})
	require.NoError(t, v.Set("k", "v"))

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	_, err := v.Get("k")
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = v.ShowPassphrase(true)
	assert.ErrorIs(t, err, ErrVaultClosed)
	assert.False(t, v.passphrase.active())
}

func testAuditTrail(t *testing.T) {
	logger := createLogger(t)

	svc, err := New(Options{BasePath: t.TempDir(), Passphrase: testPassphrase}, logger)
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Set("k", "secret-value"))
	_, err = svc.Get("missing")
	require.Error(t, err)

	result, err := svc.GetAudit().Query(audit.QueryOptions{EntryKey: "k"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Events)
	assert.Equal(t, audit.ActionEntrySet, result.Events[0].Action)
	assert.NotEmpty(t, result.Events[0].ID)

	failed := false
	result, err = svc.GetAudit().Query(audit.QueryOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, audit.ActionEntryGet, result.Events[0].Action)

	all, err := svc.GetAudit().Query(audit.QueryOptions{})
	require.NoError(t, err)
	for _, e := range all.Events {
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret-value")
		assert.NotContains(t, string(raw), testPassphrase)
	}
}

func testMemoryProtection(t *testing.T) {
	v := newTestVault(t, Options{EnableMemoryLock: false})

	// memguard enclaves only, the process itself is not locked
	level := v.SecureMemoryProtection()
	t.Logf("Memory protection level: %s", level)
	assert.Equal(t, mem.ProtectionPartial.String(), level)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = New(Options{BasePath: t.TempDir(), MinPassphraseLength: 4}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = New(Options{BasePath: t.TempDir(), Passphrase: "short"}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = New(Options{BasePath: t.TempDir(), KDFVersion: 99}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = New(Options{BasePath: t.TempDir(), EnvPassphraseVar: "1BAD"}, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnvPassphrase(t *testing.T) {
	t.Setenv("LOCKBOX_TEST_PASSPHRASE", testPassphrase)

	v := newTestVault(t, Options{EnvPassphraseVar: "LOCKBOX_TEST_PASSPHRASE"})
	require.NoError(t, v.Set("k", "v"))

	state, err := v.State()
	require.NoError(t, err)
	assert.Equal(t, StateEncrypted, state)

	fresh := reopen(t, v, testPassphrase)
	_, err = fresh.Get("k")
	require.NoError(t, err)
}

func testConcurrentOperations(t *testing.T) {
	const workers = 8

	v := newTestVault(t, Options{
		Passphrase: testPassphrase,
		Export:     ExportConfig{RetentionCount: 2},
	})
	require.NoError(t, v.Init())
	require.NoError(t, v.Set("scratch", "x"))

	var wg sync.WaitGroup
	errs := make(chan error, 3*workers+2)

	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- v.Set(fmt.Sprintf("key-%02d", i), fmt.Sprintf("value-%02d", i))
		}(i)
		go func() {
			defer wg.Done()
			_, err := v.ExportNow(t.Context())
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Status()
			errs <- err
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := v.GenerateBackupCodes(2, 16)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		errs <- v.Delete("scratch")
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	keys, err := v.ListKeys()
	require.NoError(t, err)
	require.Len(t, keys, workers)
	for i, key := range keys {
		assert.Equal(t, fmt.Sprintf("key-%02d", i), key)
		value, err := v.Get(key)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%02d", i), value)
	}

	status, err := v.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, status.BackupsUnused)

	exports, err := v.ListExports(t.Context())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(exports), 2)
	assert.NotEmpty(t, exports)

	// a second process sees the serialized result
	reopened := reopen(t, v, testPassphrase)
	_, err = reopened.Get("key-00")
	require.NoError(t, err)
}

func TestWithRetry(t *testing.T) {
	v := newTestVault(t, Options{})

	conflict := &IOError{Op: "write bundle", Err: persist.ConcurrencyError{Operation: "save bundle"}}

	calls := 0
	err := v.withRetry("test", func() error {
		calls++
		if calls < 3 {
			return conflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = v.withRetry("test", func() error {
		calls++
		return conflict
	})
	var ce persist.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, DefaultRetryConfig().MaxRetries+1, calls)

	calls = 0
	err = v.withRetry("test", func() error {
		calls++
		return ErrKeyNotFound
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, calls)
}
