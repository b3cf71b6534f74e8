package lockbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/debug"
	"southwinds.dev/lockbox/internal/mem"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// Initialize memguard before any vault operation
func init() {
	memguard.CatchInterrupt()
}

// Vault is the VaultService implementation backed by a persist.Store.
type Vault struct {
	store         persist.Store
	exports       persist.ExportStore
	remoteExports persist.ExportStore

	options    Options
	params     misc.KDFParams
	passphrase *passphraseHolder

	mu sync.Mutex

	exportCfg     ExportConfig
	lastExport    *ExportResult
	exportChanged chan struct{}

	memoryProtectionLevel mem.ProtectionLevel

	audit audit.Logger
	log   zerolog.Logger

	closed bool
}

// loaded is a document together with the store versions it was read at.
type loaded struct {
	doc              *VaultDocument
	state            State
	bundleVersion    string
	plaintextVersion string
}

// RetryConfig configures retry behavior when another process wrote the vault in between
// a load and a save.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// New creates a vault on the local file system at options.BasePath. Exports are written to
// options.Export.Dir or <BasePath>/exports.
func New(options Options, auditLogger audit.Logger) (VaultService, error) {
	if options.BasePath == "" {
		return nil, newValidationError("base_path", "is required")
	}

	store, err := persist.NewFileSystemStore(options.BasePath, options.Export.Dir)
	if err != nil {
		return nil, &IOError{Op: "open store", Path: options.BasePath, Err: err}
	}

	return NewWithStore(options, store, store, auditLogger)
}

// NewWithStore creates a vault over the given stores.
//
// The function performs these steps:
//  1. Validates options and applies defaults
//  2. Tests storage connectivity
//  3. Locks process memory when EnableMemoryLock is set (best effort)
//  4. Adopts Options.Passphrase or the EnvPassphraseVar value, unverified
//
// Nothing is read from or written to the vault files; a wrong passphrase is reported by
// the first operation that needs to decrypt.
//
// Parameters:
//   - options: vault configuration
//   - store: holds the active vault representation
//   - exports: destination for ExportNow; exports are disabled when nil
//   - auditLogger: security event sink, a no-op logger when nil
func NewWithStore(options Options, store persist.Store, exports persist.ExportStore, auditLogger audit.Logger) (VaultService, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if err := store.Ping(); err != nil {
		return nil, &IOError{Op: "connect to store", Path: store.Location(), Err: err}
	}

	params, err := crypto.ParamsForVersion(options.KDFVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	v := &Vault{
		store:                 store,
		exports:               exports,
		remoteExports:         options.RemoteExports,
		options:               options,
		params:                params,
		passphrase:            &passphraseHolder{},
		exportCfg:             options.Export,
		exportChanged:         make(chan struct{}, 1),
		memoryProtectionLevel: mem.ProtectionPartial,
		audit:                 auditLogger,
		log:                   options.Logger.With().Str("component", "vault").Logger(),
	}

	if options.EnableMemoryLock {
		level, lockErr := mem.Lock()
		if lockErr != nil {
			// memguard still protects the enclaves
			v.log.Warn().Err(lockErr).Msg("cannot fully protect memory")
		}
		v.memoryProtectionLevel = level
	}

	initial, err := options.initialPassphrase()
	if err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if initial != "" {
		v.passphrase.set([]byte(initial))
	}

	debug.Print("NewWithStore: store=%s passphrase_active=%t\n", store.GetType(), v.passphrase.active())

	return v, nil
}

// Init writes an empty document in the active mode.
func (v *Vault) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	state, err := v.state()
	if err != nil {
		v.logAudit(audit.ActionVaultInit, err, nil)
		return err
	}
	if state != StateUninitialized {
		v.logAudit(audit.ActionVaultInit, ErrAlreadyInitialized, map[string]interface{}{"state": state.String()})
		return ErrAlreadyInitialized
	}

	l := &loaded{doc: newDocument(), state: StateUninitialized}
	if err = v.save(context.Background(), l); err != nil {
		v.logAudit(audit.ActionVaultInit, err, nil)
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	v.logAudit(audit.ActionVaultInit, nil, map[string]interface{}{"state": l.state.String()})
	return nil
}

// Load returns a copy of the current document. An uninitialized vault yields an empty document.
func (v *Vault) Load() (*VaultDocument, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}

	l, err := v.load(context.Background())
	v.logAudit(audit.ActionVaultLoad, err, nil)
	if err != nil {
		return nil, err
	}
	return l.doc.clone(), nil
}

// State reports which representation is authoritative on disk.
func (v *Vault) State() (State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return StateUninitialized, ErrVaultClosed
	}
	return v.state()
}

// Status summarizes the vault. A vault that cannot be decrypted is reported with
// Unlocked=false rather than an error.
func (v *Vault) Status() (*Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}

	state, err := v.state()
	if err != nil {
		return nil, err
	}

	status := &Status{
		State:            state,
		StateName:        state.String(),
		PassphraseActive: v.passphrase.active(),
		Export:           v.exportCfg,
		StoreType:        v.store.GetType(),
		Location:         v.store.Location(),
		MemoryProtection: v.memoryProtectionLevel.String(),
	}
	if v.lastExport != nil {
		last := *v.lastExport
		status.LastExport = &last
	}

	l, err := v.load(context.Background())
	switch {
	case err == nil:
		status.Unlocked = true
		status.Entries = len(l.doc.Entries)
		status.BackupsUnused, status.BackupsUsed = l.doc.backupCounts()
		if l.doc.UpdatedAt > 0 {
			status.UpdatedAt = l.doc.UpdatedAt.Time()
		}
	case errors.Is(err, ErrDecryption), errors.Is(err, ErrNoPassphrase):
		status.Unlocked = false
	default:
		return nil, err
	}

	return status, nil
}

// Set stores value under key.
func (v *Vault) Set(key, value string) error {
	if err := validateEntryKey(key); err != nil {
		return err
	}
	if err := validateEntryValue(value); err != nil {
		v.logAudit(audit.ActionEntrySet, err, map[string]interface{}{audit.MetaEntryKey: key})
		return err
	}

	err := v.update(context.Background(), "set", func(doc *VaultDocument) error {
		doc.Entries[key] = value
		return nil
	})
	v.logAudit(audit.ActionEntrySet, err, map[string]interface{}{audit.MetaEntryKey: key})
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key or ErrKeyNotFound.
func (v *Vault) Get(key string) (string, error) {
	if err := validateEntryKey(key); err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrVaultClosed
	}

	l, err := v.load(context.Background())
	if err != nil {
		v.logAudit(audit.ActionEntryGet, err, map[string]interface{}{audit.MetaEntryKey: key})
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}

	value, ok := l.doc.Entries[key]
	if !ok {
		v.logAudit(audit.ActionEntryGet, ErrKeyNotFound, map[string]interface{}{audit.MetaEntryKey: key})
		return "", fmt.Errorf("%q: %w", key, ErrKeyNotFound)
	}

	v.logAudit(audit.ActionEntryGet, nil, map[string]interface{}{audit.MetaEntryKey: key})
	return value, nil
}

// Delete removes key. A missing key is reported as ErrKeyNotFound and nothing is written.
func (v *Vault) Delete(key string) error {
	if err := validateEntryKey(key); err != nil {
		return err
	}

	err := v.update(context.Background(), "delete", func(doc *VaultDocument) error {
		if _, ok := doc.Entries[key]; !ok {
			return ErrKeyNotFound
		}
		delete(doc.Entries, key)
		return nil
	})
	v.logAudit(audit.ActionEntryDelete, err, map[string]interface{}{audit.MetaEntryKey: key})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// ListKeys returns the entry keys in lexical order.
func (v *Vault) ListKeys() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}

	l, err := v.load(context.Background())
	if err != nil {
		v.logAudit(audit.ActionEntryList, err, nil)
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]string, 0, len(l.doc.Entries))
	for k := range l.doc.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	v.logAudit(audit.ActionEntryList, nil, map[string]interface{}{"count": len(keys)})
	return keys, nil
}

// GetAudit returns the audit logger in use.
func (v *Vault) GetAudit() audit.Logger {
	return v.audit
}

// SecureMemoryProtection describes how well key material is kept out of swap.
func (v *Vault) SecureMemoryProtection() string {
	return v.memoryProtectionLevel.String()
}

// Close destroys the in-memory passphrase and releases the audit logger and store.
// Further calls return ErrVaultClosed.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	var errs []error

	v.passphrase.clear()

	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	if v.memoryProtectionLevel == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}

	v.logAudit(audit.ActionVaultClose, errors.Join(errs...), nil)
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("vault close errors: %w", errors.Join(errs...))
	}
	return nil
}

// state inspects the store. Caller holds mu.
func (v *Vault) state() (State, error) {
	exists, err := v.store.BundleExists()
	if err != nil {
		return StateUninitialized, &IOError{Op: "stat bundle", Path: v.store.Location(), Err: err}
	}
	if exists {
		return StateEncrypted, nil
	}

	exists, err = v.store.PlaintextExists()
	if err != nil {
		return StateUninitialized, &IOError{Op: "stat plaintext", Path: v.store.Location(), Err: err}
	}
	if exists {
		return StatePlaintext, nil
	}

	return StateUninitialized, nil
}

// load reads the authoritative document using the active passphrase. Caller holds mu.
func (v *Vault) load(ctx context.Context) (*loaded, error) {
	if !v.passphrase.active() {
		return v.loadWith(ctx, nil)
	}

	buf, err := v.passphrase.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	return v.loadWith(ctx, buf.Bytes())
}

// loadWith reads the authoritative document, decrypting a bundle with passphrase.
// An encrypted vault with a nil passphrase reports ErrNoPassphrase.
func (v *Vault) loadWith(ctx context.Context, passphrase []byte) (*loaded, error) {
	state, err := v.state()
	if err != nil {
		return nil, err
	}

	switch state {
	case StateEncrypted:
		if passphrase == nil {
			return nil, fmt.Errorf("vault is encrypted: %w", ErrNoPassphrase)
		}
		return v.loadBundle(ctx, passphrase)

	case StatePlaintext:
		data, err := v.store.LoadPlaintext()
		if err != nil {
			return nil, &IOError{Op: "read plaintext", Path: v.store.Location(), Err: err}
		}
		doc := newDocument()
		if err = json.Unmarshal(data.Data, doc); err != nil {
			return nil, &IOError{Op: "parse plaintext", Path: v.store.Location(), Err: err}
		}
		doc.normalize()
		return &loaded{doc: doc, state: state, plaintextVersion: data.Version}, nil

	default:
		return &loaded{doc: newDocument(), state: state}, nil
	}
}

func (v *Vault) loadBundle(ctx context.Context, passphrase []byte) (*loaded, error) {
	data, err := v.store.LoadBundle()
	if err != nil {
		return nil, &IOError{Op: "read bundle", Path: v.store.Location(), Err: err}
	}

	var bundle EncryptedBundle
	if err = json.Unmarshal(data.Data, &bundle); err != nil {
		// a bundle that does not parse is corrupt data
		return nil, fmt.Errorf("failed to open vault: %w", ErrDecryption)
	}

	plaintext, err := v.open(ctx, passphrase, bundle.Salt, bundle.Ciphertext, bundle.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	doc := newDocument()
	if err = json.Unmarshal(plaintext, doc); err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", ErrDecryption)
	}
	doc.normalize()

	return &loaded{doc: doc, state: StateEncrypted, bundleVersion: data.Version}, nil
}

// open derives a key for secret with the parameters of version and opens sealed.
func (v *Vault) open(ctx context.Context, secret, salt, sealed []byte, version int) ([]byte, error) {
	params, err := crypto.ParamsForVersion(version)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(salt) < misc.MinSaltSize {
		return nil, ErrDecryption
	}

	key, err := crypto.DeriveKeyContext(ctx, secret, salt, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, ErrDecryption
	}
	defer key.Destroy()

	return crypto.Open(key.Bytes(), sealed)
}

// seal derives a key for secret under a fresh salt with the configured parameters.
func (v *Vault) seal(ctx context.Context, secret, plaintext []byte) (salt, sealed []byte, err error) {
	salt, err = crypto.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	key, err := crypto.DeriveKeyContext(ctx, secret, salt, v.params)
	if err != nil {
		return nil, nil, err
	}
	defer key.Destroy()

	sealed, err = crypto.Seal(key.Bytes(), plaintext)
	if err != nil {
		return nil, nil, err
	}
	return salt, sealed, nil
}

// save persists l.doc in the mode selected by the active passphrase. Caller holds mu.
//
// With a passphrase the bundle is written first. The recovery index and the removal of a
// legacy plaintext file follow; their failures are logged because the bundle already is
// the authoritative state and the next save retries both.
func (v *Vault) save(ctx context.Context, l *loaded) error {
	l.doc.normalize()
	l.doc.UpdatedAt = now()

	plaintext, err := json.Marshal(l.doc)
	if err != nil {
		return fmt.Errorf("failed to serialize vault: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	if !v.passphrase.active() {
		version, err := v.store.SavePlaintext(plaintext, l.plaintextVersion)
		if err != nil {
			return &IOError{Op: "write plaintext", Path: v.store.Location(), Err: err}
		}
		l.plaintextVersion = version
		l.state = StatePlaintext
		return nil
	}

	buf, err := v.passphrase.open()
	if err != nil {
		return err
	}
	salt, sealed, err := v.seal(ctx, buf.Bytes(), plaintext)
	buf.Destroy()
	if err != nil {
		return fmt.Errorf("failed to encrypt vault: %w", err)
	}

	bundle, err := json.Marshal(EncryptedBundle{
		Salt:       salt,
		Ciphertext: sealed,
		UpdatedAt:  l.doc.UpdatedAt,
		Version:    v.params.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize bundle: %w", err)
	}

	version, err := v.store.SaveBundle(bundle, l.bundleVersion)
	if err != nil {
		return &IOError{Op: "write bundle", Path: v.store.Location(), Err: err}
	}
	migrated := l.state == StatePlaintext
	l.bundleVersion = version
	l.state = StateEncrypted

	if index, err := json.Marshal(l.doc.recoveryIndex()); err != nil {
		v.log.Error().Err(err).Msg("failed to serialize recovery index")
	} else if err = v.store.SaveRecoveryIndex(index); err != nil {
		v.log.Error().Err(err).Msg("failed to write recovery index")
	}

	if err = v.store.DeletePlaintext(); err != nil {
		v.log.Error().Err(err).Msg("failed to remove legacy plaintext vault")
	} else if migrated {
		l.plaintextVersion = ""
		v.log.Info().Str("location", v.store.Location()).Msg("plaintext vault migrated to encrypted bundle")
	}

	return nil
}

// update runs load, fn, save under the vault lock, retrying from the load when another
// writer changed the files in between. fn sees a fresh document on every attempt.
func (v *Vault) update(ctx context.Context, operation string, fn func(doc *VaultDocument) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	return v.withRetry(operation, func() error {
		l, err := v.load(ctx)
		if err != nil {
			return err
		}
		if err = fn(l.doc); err != nil {
			return err
		}
		return v.save(ctx, l)
	})
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func (v *Vault) withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var concErr persist.ConcurrencyError
		if !errors.As(err, &concErr) {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// Add jitter (25%)
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		v.log.Debug().Str("operation", operation).Int("attempt", attempt+1).Dur("delay", delay).Msg("vault changed on disk, retrying")
		time.Sleep(delay)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func (v *Vault) logAudit(action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	if err != nil {
		metadata[audit.MetaError] = err.Error()
	}

	if auditErr := v.audit.Log(action, err == nil, metadata); auditErr != nil {
		v.log.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}
