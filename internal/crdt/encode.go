package crdt

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Binary update format. Records are sorted by (identity, collection, key)
// and every map is emitted in sorted key order, so two converged replicas
// produce byte-identical encodings.
//
//	byte    format version (currently 1)
//	uvarint schema version
//	uvarint record count
//	record* :=
//	  string  identity ("" for top-level collections)
//	  byte    collection
//	  string  key
//	  string  author
//	  uvarint pushSeq
//	  byte    flags (bit 0: deleted)
//	  uvarint deletedAt (unix ms, 0 unless deleted)
//	  uvarint field count, then sorted (string key, string value) pairs
//
// string := uvarint length + raw bytes.
const formatVersion = 1

const flagDeleted = 0x01

// ErrBadUpdate reports a malformed or incompatible update payload.
var ErrBadUpdate = errors.New("crdt: malformed update")

// StateVector records the highest PushSeq seen per author. It answers "what
// has this peer seen" for delta transfer.
type StateVector map[string]uint64

// Covers reports whether the vector has seen (author, seq).
func (sv StateVector) Covers(author string, seq uint64) bool {
	return sv[author] >= seq
}

// Encode serializes the vector with sorted authors.
func (sv StateVector) Encode() []byte {
	authors := make([]string, 0, len(sv))
	for a := range sv {
		authors = append(authors, a)
	}
	sort.Strings(authors)

	buf := []byte{formatVersion}
	buf = binary.AppendUvarint(buf, uint64(len(authors)))
	for _, a := range authors {
		buf = appendString(buf, a)
		buf = binary.AppendUvarint(buf, sv[a])
	}
	return buf
}

// DecodeStateVector parses a vector produced by Encode.
func DecodeStateVector(data []byte) (StateVector, error) {
	r := &reader{buf: data}
	if v := r.byte(); v != formatVersion {
		return nil, errors.Wrapf(ErrBadUpdate, "state vector version %d", v)
	}
	n := r.uvarint()
	sv := make(StateVector, n)
	for i := uint64(0); i < n && !r.failed; i++ {
		author := r.string()
		sv[author] = r.uvarint()
	}
	if r.failed {
		return nil, ErrBadUpdate
	}
	return sv, nil
}

// StateVector returns a copy of the document's seen-vector.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make(StateVector)
	d.forEachLocked(func(_ string, _ Collection, _ string, e *Entry) {
		if e.PushSeq > sv[e.Author] {
			sv[e.Author] = e.PushSeq
		}
	})
	return sv
}

// ─── Encoding ────────────────────────────────────────────────────────────────

type record struct {
	identity string
	col      Collection
	key      string
	entry    *Entry
}

// EncodeState serializes the full document.
func (d *Doc) EncodeState() []byte {
	return d.EncodeDelta(nil)
}

// EncodeDelta serializes every entry not covered by sv: the minimal update
// that brings a peer holding sv up to date.
func (d *Doc) EncodeDelta(sv StateVector) []byte {
	d.mu.RLock()
	var recs []record
	d.forEachLocked(func(identity string, col Collection, key string, e *Entry) {
		if sv.Covers(e.Author, e.PushSeq) {
			return
		}
		recs = append(recs, record{identity, col, key, e})
	})
	d.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.identity != b.identity {
			return a.identity < b.identity
		}
		if a.col != b.col {
			return a.col < b.col
		}
		return a.key < b.key
	})

	buf := []byte{formatVersion}
	buf = binary.AppendUvarint(buf, SchemaVersion)
	buf = binary.AppendUvarint(buf, uint64(len(recs)))
	for _, r := range recs {
		buf = appendString(buf, r.identity)
		buf = append(buf, byte(r.col))
		buf = appendString(buf, r.key)
		buf = appendEntry(buf, r.entry)
	}
	return buf
}

func appendEntry(buf []byte, e *Entry) []byte {
	buf = appendString(buf, e.Author)
	buf = binary.AppendUvarint(buf, e.PushSeq)
	var flags byte
	if e.Deleted {
		flags |= flagDeleted
	}
	buf = append(buf, flags)
	var deletedAt uint64
	if e.Deleted && e.DeletedAt > 0 {
		deletedAt = uint64(e.DeletedAt)
	}
	buf = binary.AppendUvarint(buf, deletedAt)

	fields := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	buf = binary.AppendUvarint(buf, uint64(len(fields)))
	for _, k := range fields {
		buf = appendString(buf, k)
		buf = appendString(buf, e.Fields[k])
	}
	return buf
}

// forEachLocked visits every entry; the caller holds at least a read lock.
func (d *Doc) forEachLocked(fn func(identity string, col Collection, key string, e *Entry)) {
	for id, b := range d.items {
		for c, m := range b.cols {
			for k, e := range m {
				fn(id, Collection(c), k, e)
			}
		}
	}
	for k, e := range d.top[Templates] {
		fn("", Templates, k, e)
	}
	for k, e := range d.top[ListHierarchy] {
		fn("", ListHierarchy, k, e)
	}
}

// ─── Applying ────────────────────────────────────────────────────────────────

// ApplyUpdate merges an encoded update into the document and notifies
// observers with the entries that actually changed, tagged with origin.
// Applying the same update twice, or two updates in either order, yields the
// same state.
func (d *Doc) ApplyUpdate(data []byte, origin string) error {
	recs, err := decodeRecords(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var changes []Change
	for _, r := range recs {
		e := r.entry
		if d.putLocked(r.identity, r.col, r.key, e) {
			changes = append(changes, Change{Identity: r.identity, Col: r.col, Key: r.key, Entry: *e})
		}
	}
	obs := make([]ObserverFunc, 0, len(d.obs))
	for _, o := range d.obs {
		obs = append(obs, o)
	}
	d.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	u := Update{Origin: origin, Changes: changes}
	for _, o := range obs {
		o(u)
	}
	return nil
}

func decodeRecords(data []byte) ([]record, error) {
	r := &reader{buf: data}
	if v := r.byte(); v != formatVersion {
		return nil, errors.Wrapf(ErrBadUpdate, "format version %d", v)
	}
	if schema := r.uvarint(); schema > SchemaVersion {
		return nil, errors.Wrapf(ErrBadUpdate, "schema version %d ahead of ours (%d)", schema, SchemaVersion)
	}
	count := r.uvarint()
	if r.failed {
		return nil, ErrBadUpdate
	}

	recs := make([]record, 0, count)
	for i := uint64(0); i < count && !r.failed; i++ {
		rec := record{
			identity: r.string(),
			col:      Collection(r.byte()),
			key:      r.string(),
		}
		e := &Entry{
			Author:  r.string(),
			PushSeq: r.uvarint(),
		}
		flags := r.byte()
		e.Deleted = flags&flagDeleted != 0
		deletedAt := r.uvarint()
		if e.Deleted {
			e.DeletedAt = int64(deletedAt)
		}
		nf := r.uvarint()
		if nf > 0 && !r.failed {
			e.Fields = make(map[string]string, nf)
			for j := uint64(0); j < nf && !r.failed; j++ {
				k := r.string()
				e.Fields[k] = r.string()
			}
		}
		if rec.col >= numCollections {
			r.failed = true
		}
		rec.entry = e
		recs = append(recs, rec)
	}
	if r.failed {
		return nil, ErrBadUpdate
	}
	return recs, nil
}

// ─── Primitive codec ─────────────────────────────────────────────────────────

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// reader tracks a parse position and latches failure instead of returning an
// error at every call site.
type reader struct {
	buf    []byte
	pos    int
	failed bool
}

func (r *reader) byte() byte {
	if r.failed || r.pos >= len(r.buf) {
		r.failed = true
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.failed {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.failed = true
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) string() string {
	n := r.uvarint()
	if r.failed || uint64(r.pos)+n > uint64(len(r.buf)) {
		r.failed = true
		return ""
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}
