// Package backup guards the apply path: a rolling journal snapshots local
// items before a remote apply mutates them, and the validator rejects
// oversized or pointless inbound entries.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "backup")

// DefaultMaxFiles is the rolling-journal depth per room.
const DefaultMaxFiles = 10

// Journal writes room-scoped pre-apply snapshots. Files are named
// <iso-timestamp>-NNNN.json; the counter disambiguates entries written
// within the same second. Writes are atomic (temp + rename) and old files
// are rotated out.
type Journal struct {
	dir      string
	maxFiles int
	counter  int
}

// NewJournal creates the journal directory for a room under baseDir.
func NewJournal(dir string, maxFiles int) (*Journal, error) {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create backup dir")
	}
	return &Journal{dir: dir, maxFiles: maxFiles}, nil
}

// Write serializes snapshot to a new journal file and rotates old entries.
// Returns the path written.
func (j *Journal) Write(snapshot any) (string, error) {
	raw, err := sonic.Marshal(snapshot)
	if err != nil {
		return "", errors.Wrap(err, "encode backup")
	}

	j.counter++
	name := fmt.Sprintf("%s-%04d.json",
		time.Now().UTC().Format("2006-01-02T15-04-05"), j.counter)
	path := filepath.Join(j.dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return "", errors.Wrap(err, "write backup")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Wrap(err, "rename backup")
	}

	j.rotate()
	return path, nil
}

// rotate removes the oldest files beyond maxFiles. Rotation failures are
// logged, not fatal: a stale backup is better than a blocked apply.
func (j *Journal) rotate() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		log.WithError(err).Warn("backup rotation: cannot list dir")
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= j.maxFiles {
		return
	}
	sort.Strings(names) // timestamp prefix sorts chronologically
	for _, name := range names[:len(names)-j.maxFiles] {
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
			log.WithError(err).WithField("file", name).Warn("backup rotation failed")
		}
	}
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }
