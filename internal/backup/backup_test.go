package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/troparcel/internal/crdt"
)

func TestJournalWriteAndRotate(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 3)
	require.NoError(t, err)

	var last string
	for i := 0; i < 5; i++ {
		last, err = j.Write(map[string]int{"i": i})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "journal must rotate to maxFiles")

	// The newest file survives rotation and holds the latest snapshot.
	raw, err := os.ReadFile(last)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"i":4`)

	// No temp residue.
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"))
	}
}

func TestJournalNamesSortChronologically(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 10)
	require.NoError(t, err)
	a, err := j.Write("a")
	require.NoError(t, err)
	b, err := j.Write("b")
	require.NoError(t, err)
	assert.Less(t, filepath.Base(a), filepath.Base(b))
}

func TestValidatorSizes(t *testing.T) {
	v := &Validator{MaxNoteSize: 10, MaxMetadataSize: 5}

	t.Run("note within limit", func(t *testing.T) {
		e := crdt.Entry{Fields: map[string]string{crdt.FieldHTML: "<p>x</p>"}}
		assert.NoError(t, v.ValidateEntry(crdt.Notes, e))
	})
	t.Run("note too large", func(t *testing.T) {
		e := crdt.Entry{Fields: map[string]string{crdt.FieldHTML: strings.Repeat("x", 11)}}
		err := v.ValidateEntry(crdt.Notes, e)
		assert.ErrorIs(t, err, ErrTooLarge)
	})
	t.Run("metadata too large", func(t *testing.T) {
		e := crdt.Entry{Fields: map[string]string{crdt.FieldText: "123456"}}
		assert.ErrorIs(t, v.ValidateEntry(crdt.Metadata, e), ErrTooLarge)
		assert.ErrorIs(t, v.ValidateEntry(crdt.SelectionMeta, e), ErrTooLarge)
	})
	t.Run("tombstones always pass", func(t *testing.T) {
		e := crdt.Entry{Deleted: true}
		assert.NoError(t, v.ValidateEntry(crdt.Notes, e))
	})
	t.Run("tags are unbounded by these limits", func(t *testing.T) {
		e := crdt.Entry{Fields: map[string]string{crdt.FieldName: strings.Repeat("x", 100)}}
		assert.NoError(t, v.ValidateEntry(crdt.Tags, e))
	})
}

func TestShouldOverwrite(t *testing.T) {
	cases := []struct {
		name   string
		local  string
		remote crdt.Entry
		want   bool
	}{
		{"tombstone always applies", "local", crdt.Entry{Deleted: true}, true},
		{"non-empty remote wins", "local", crdt.Entry{Fields: map[string]string{"text": "x"}}, true},
		{"empty remote keeps local", "local", crdt.Entry{Fields: map[string]string{"text": ""}}, false},
		{"empty remote fills empty local", "", crdt.Entry{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldOverwrite(tc.local, tc.remote))
		})
	}
}
