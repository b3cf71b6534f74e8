// Package snapshot names timestamped export files and orders them for retention.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	Prefix = "vault-"

	// ExtPlaintext and ExtEncrypted match the extension of the active vault file being copied.
	ExtPlaintext = "json"
	ExtEncrypted = "enc"

	// fixed width fractional seconds keep lexical and chronological order identical
	timeLayout = "20060102T150405.000000000Z"
)

// Snapshot is a parsed export file name.
type Snapshot struct {
	Name      string
	Timestamp time.Time
	Ext       string
}

// Name builds the export file name for a snapshot taken at ts.
func Name(ts time.Time, ext string) string {
	return fmt.Sprintf("%s%s.%s", Prefix, ts.UTC().Format(timeLayout), ext)
}

// Parse splits an export file name into its timestamp and extension.
// ok is false for anything Name would not have produced.
func Parse(name string) (Snapshot, bool) {
	if !strings.HasPrefix(name, Prefix) {
		return Snapshot{}, false
	}
	rest := strings.TrimPrefix(name, Prefix)

	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return Snapshot{}, false
	}
	stamp, ext := rest[:dot], rest[dot+1:]
	if ext != ExtPlaintext && ext != ExtEncrypted {
		return Snapshot{}, false
	}

	ts, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return Snapshot{}, false
	}

	return Snapshot{Name: name, Timestamp: ts, Ext: ext}, true
}

// SortNewestFirst orders snapshots by embedded timestamp, most recent first.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
}

// Expired returns the snapshots that fall outside the newest keep per extension.
func Expired(names []string, keep int) []Snapshot {
	byExt := make(map[string][]Snapshot)
	for _, name := range names {
		if s, ok := Parse(name); ok {
			byExt[s.Ext] = append(byExt[s.Ext], s)
		}
	}

	var expired []Snapshot
	for _, ext := range []string{ExtPlaintext, ExtEncrypted} {
		snaps := byExt[ext]
		SortNewestFirst(snaps)
		if keep >= 0 && len(snaps) > keep {
			expired = append(expired, snaps[keep:]...)
		}
	}
	return expired
}
