package reconcile

import "github.com/pepperpark/mailmirror/internal/msgid"

// Entry is one remote message: its identity and its sequence number in the
// currently selected folder. Seq is only meaningful within the session that
// produced it.
type Entry struct {
	ID  msgid.ID
	Seq uint32
}

// RemoteIndex maps IDs to sequence numbers and remembers discovery order.
type RemoteIndex struct {
	order []msgid.ID
	seq   map[msgid.ID]uint32
}

func NewRemoteIndex() *RemoteIndex {
	return &RemoteIndex{seq: make(map[msgid.ID]uint32)}
}

// Add records id at seq. The first sequence number seen for an ID wins; Add
// reports false for later duplicates.
func (r *RemoteIndex) Add(id msgid.ID, seq uint32) bool {
	if _, ok := r.seq[id]; ok {
		return false
	}
	r.seq[id] = seq
	r.order = append(r.order, id)
	return true
}

// Seq returns the sequence number recorded for id.
func (r *RemoteIndex) Seq(id msgid.ID) (uint32, bool) {
	s, ok := r.seq[id]
	return s, ok
}

func (r *RemoteIndex) Len() int { return len(r.order) }

// Entries returns the index in discovery order.
func (r *RemoteIndex) Entries() []Entry {
	out := make([]Entry, len(r.order))
	for i, id := range r.order {
		out[i] = Entry{ID: id, Seq: r.seq[id]}
	}
	return out
}

// LocalIndex is the set of IDs already present in an archive.
type LocalIndex map[msgid.ID]struct{}

// Add inserts id and reports whether it was new.
func (l LocalIndex) Add(id msgid.ID) bool {
	if _, ok := l[id]; ok {
		return false
	}
	l[id] = struct{}{}
	return true
}

func (l LocalIndex) Has(id msgid.ID) bool {
	_, ok := l[id]
	return ok
}

// Reconcile returns the remote entries whose IDs are absent from local, in
// the remote index's discovery order.
func Reconcile(remote *RemoteIndex, local LocalIndex) []Entry {
	var out []Entry
	for _, id := range remote.order {
		if local.Has(id) {
			continue
		}
		out = append(out, Entry{ID: id, Seq: remote.seq[id]})
	}
	return out
}
