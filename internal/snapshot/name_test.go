package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameParse(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 89, time.UTC)
	name := Name(ts, ExtEncrypted)
	assert.Equal(t, "vault-20260304T050607.000000089Z.enc", name)

	s, ok := Parse(name)
	require.True(t, ok)
	assert.True(t, ts.Equal(s.Timestamp))
	assert.Equal(t, ExtEncrypted, s.Ext)
}

func TestParseRejects(t *testing.T) {
	for _, name := range []string{
		"vault.json",
		"vault-.json",
		"vault-20260304T050607.000000089Z.txt",
		"other-20260304T050607.000000089Z.json",
		"vault-yesterday.json",
		"vault-20260304T050607.000000089Z.json.tmp",
	} {
		_, ok := Parse(name)
		assert.False(t, ok, name)
	}
}

func TestExpiredKeepsNewestPerFormat(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var names []string
	for i := 0; i < 5; i++ {
		names = append(names, Name(base.Add(time.Duration(i)*time.Hour), ExtEncrypted))
	}
	for i := 0; i < 2; i++ {
		names = append(names, Name(base.Add(time.Duration(i)*time.Minute), ExtPlaintext))
	}
	names = append(names, "README.md")

	expired := Expired(names, 3)
	require.Len(t, expired, 2)
	for _, s := range expired {
		assert.Equal(t, ExtEncrypted, s.Ext)
		assert.True(t, s.Timestamp.Before(base.Add(2*time.Hour)))
	}

	assert.Empty(t, Expired(names, 5))
	assert.Len(t, Expired(names, 0), 7)
}

func TestNameSortsLexically(t *testing.T) {
	a := Name(time.Date(2026, 1, 1, 0, 0, 0, 999999999, time.UTC), ExtPlaintext)
	b := Name(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC), ExtPlaintext)
	assert.Less(t, a, b)
}
