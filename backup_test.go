package lockbox

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/persist"
)

func TestBackupCodesAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"OneTimeUse", testBackupCodesOneTimeUse},
		{"RecoverWithoutPassphrase", testRecoverWithoutPassphrase},
		{"StaleRecoveryIndex", testStaleRecoveryIndex},
		{"CodeFormat", testBackupCodeFormat},
		{"Validation", testBackupCodeValidation},
		{"UnknownCode", testUnknownBackupCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testBackupCodesOneTimeUse(t *testing.T) {
	v := newTestVault(t, Options{})
	require.NoError(t, v.SetPassphrase("p@ssW0rd!!"))

	codes, err := v.GenerateBackupCodes(3, 20)
	require.NoError(t, err)
	require.Len(t, codes, 3)
	assert.NotEqual(t, codes[0], codes[1])
	assert.NotEqual(t, codes[1], codes[2])
	assert.NotEqual(t, codes[0], codes[2])

	recovered, err := v.UseBackupCode(codes[1])
	require.NoError(t, err)
	assert.Equal(t, "p@ssW0rd!!", recovered)

	_, err = v.UseBackupCode(codes[1])
	assert.ErrorIs(t, err, ErrRecoveryExhausted)

	recovered, err = v.UseBackupCode(" " + codes[0] + "\n")
	require.NoError(t, err)
	assert.Equal(t, "p@ssW0rd!!", recovered)

	doc, err := v.Load()
	require.NoError(t, err)
	unused, used := doc.backupCounts()
	assert.Equal(t, 1, unused)
	assert.Equal(t, 2, used)
}

func testRecoverWithoutPassphrase(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})
	require.NoError(t, v.Set("k", "v"))

	codes, err := v.GenerateBackupCodes(2, 16)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	index, err := os.ReadFile(vaultFile(v, persist.RecoveryFile))
	require.NoError(t, err)
	assert.NotContains(t, string(index), `"used"`)
	assert.NotContains(t, string(index), `"k"`)

	// the passphrase is gone: a new process without it
	lost := reopen(t, v, "")
	_, err = lost.Get("k")
	require.ErrorIs(t, err, ErrNoPassphrase)

	recovered, err := lost.UseBackupCode(codes[0])
	require.NoError(t, err)
	assert.Equal(t, testPassphrase, recovered)

	value, err := lost.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	// a wrong passphrase in memory does not stop recovery either
	wrong := reopen(t, v, "definitely wrong")
	recovered, err = wrong.UseBackupCode(codes[1])
	require.NoError(t, err)
	assert.Equal(t, testPassphrase, recovered)

	_, err = reopen(t, v, "").UseBackupCode(codes[0])
	assert.ErrorIs(t, err, ErrRecoveryExhausted)
}

func testStaleRecoveryIndex(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})

	codes, err := v.GenerateBackupCodes(1, 16)
	require.NoError(t, err)

	stale, err := os.ReadFile(vaultFile(v, persist.RecoveryFile))
	require.NoError(t, err)

	_, err = v.UseBackupCode(codes[0])
	require.NoError(t, err)

	// putting back an index that still lists the spent envelope must not revive it
	require.NoError(t, os.WriteFile(vaultFile(v, persist.RecoveryFile), stale, 0600))

	_, err = reopen(t, v, "").UseBackupCode(codes[0])
	assert.ErrorIs(t, err, ErrRecoveryExhausted)
}

func testBackupCodeFormat(t *testing.T) {
	v := newTestVault(t, Options{Passphrase: testPassphrase})

	codes, err := v.GenerateBackupCodes(10, 48)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, 48)
		assert.False(t, strings.ContainsAny(code, "0O1lI"), "ambiguous character in %q", code)
		assert.False(t, seen[code])
		seen[code] = true
	}

	doc, err := v.Load()
	require.NoError(t, err)
	require.Len(t, doc.Backups, 10)
	for _, b := range doc.Backups {
		assert.Len(t, b.Salt, 32)
		assert.False(t, b.Used)
		assert.Equal(t, 1, b.Version)
	}
}

func testBackupCodeValidation(t *testing.T) {
	v := newTestVault(t, Options{})

	_, err := v.GenerateBackupCodes(3, 20)
	assert.ErrorIs(t, err, ErrNoPassphrase)

	require.NoError(t, v.SetPassphrase(testPassphrase))

	for _, tc := range []struct{ count, length int }{
		{0, 20}, {11, 20}, {3, 11}, {3, 49},
	} {
		_, err = v.GenerateBackupCodes(tc.count, tc.length)
		assert.ErrorIs(t, err, ErrValidation, "count=%d length=%d", tc.count, tc.length)
	}

	_, err = v.UseBackupCode("   ")
	assert.ErrorIs(t, err, ErrValidation)

	doc, err := v.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Backups)
}

func testUnknownBackupCode(t *testing.T) {
	plain := newTestVault(t, Options{})
	require.NoError(t, plain.Set("k", "v"))
	_, err := plain.UseBackupCode("ABCDEFGHJKLMNPQR")
	assert.ErrorIs(t, err, ErrRecoveryExhausted)

	v := newTestVault(t, Options{Passphrase: testPassphrase})
	_, err = v.GenerateBackupCodes(1, 16)
	require.NoError(t, err)

	_, err = v.UseBackupCode("ABCDEFGHJKLMNPQR")
	assert.ErrorIs(t, err, ErrRecoveryExhausted)
}
