package crdt

import (
	"sort"
	"strings"
	"sync"
)

// Document is one replica of a collaboratively edited text. The server
// holds one per open (room, file); tests use additional replicas to
// check convergence. All methods are safe for concurrent use.
type Document struct {
	mu    sync.RWMutex
	site  string
	clock int

	chars   []Char          // ordered by comparePos, tombstones included
	applied map[ID]struct{} // insert dedupe
	deleted map[ID]struct{} // tombstones, may precede their insert

	history []Op // append-only log handed to new joiners
}

// NewDocument creates an empty replica identified by site
func NewDocument(site string) *Document {
	return &Document{
		site:    site,
		applied: make(map[ID]struct{}),
		deleted: make(map[ID]struct{}),
	}
}

// SeedText initializes an empty document from existing text, producing
// the corresponding insert history. Used when a document is opened for a
// file that already has content on disk.
func (d *Document) SeedText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.chars) > 0 || len(d.history) > 0 {
		return
	}
	for i, r := range []rune(text) {
		d.clock++
		ch := Char{
			ID:    ID{Clock: d.clock, Site: d.site},
			Value: string(r),
			Pos:   []int{i + 1},
		}
		d.chars = append(d.chars, ch)
		d.applied[ch.ID] = struct{}{}
		d.history = append(d.history, Op{Action: ActionInsert, Char: ch})
	}
}

// Apply merges one operation into the replica. It is idempotent; the
// return value reports whether the op changed state (and so should be
// forwarded to other members).
func (d *Document) Apply(op Op) bool {
	if err := op.Validate(); err != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if op.Char.ID.Clock > d.clock {
		d.clock = op.Char.ID.Clock
	}

	switch op.Action {
	case ActionInsert:
		if _, dup := d.applied[op.Char.ID]; dup {
			return false
		}
		d.applied[op.Char.ID] = struct{}{}
		idx := sort.Search(len(d.chars), func(i int) bool {
			return comparePos(d.chars[i], op.Char) >= 0
		})
		d.chars = append(d.chars, Char{})
		copy(d.chars[idx+1:], d.chars[idx:])
		d.chars[idx] = op.Char
	case ActionDelete:
		if _, dup := d.deleted[op.Char.ID]; dup {
			return false
		}
		// A delete may arrive before its insert; the tombstone is
		// recorded either way and wins once the insert shows up.
		d.deleted[op.Char.ID] = struct{}{}
	}

	d.history = append(d.history, op)
	return true
}

// Text materializes the current document content
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, ch := range d.chars {
		if _, dead := d.deleted[ch.ID]; dead {
			continue
		}
		b.WriteString(ch.Value)
	}
	return b.String()
}

// History returns a copy of the full operation log, enough for a new
// joiner to reconstruct the document and keep merging future ops.
func (d *Document) History() []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Op, len(d.history))
	copy(out, d.history)
	return out
}

// visible returns the live (non-tombstoned) characters. Callers hold d.mu.
func (d *Document) visible() []Char {
	out := make([]Char, 0, len(d.chars))
	for _, ch := range d.chars {
		if _, dead := d.deleted[ch.ID]; dead {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// LocalInsert creates, applies, and returns the insert op for value at
// the given visible rune index.
func (d *Document) LocalInsert(index int, value string) Op {
	d.mu.Lock()

	vis := d.visible()
	if index < 0 {
		index = 0
	}
	if index > len(vis) {
		index = len(vis)
	}

	var left, right []int
	if index > 0 {
		left = vis[index-1].Pos
	}
	if index < len(vis) {
		right = vis[index].Pos
	}

	d.clock++
	op := Op{
		Action: ActionInsert,
		Char: Char{
			ID:    ID{Clock: d.clock, Site: d.site},
			Value: value,
			Pos:   posBetween(left, right),
		},
	}
	d.mu.Unlock()

	d.Apply(op)
	return op
}

// LocalDelete creates, applies, and returns the delete op for the
// character at the given visible rune index. The second return value is
// false when the index is out of range.
func (d *Document) LocalDelete(index int) (Op, bool) {
	d.mu.Lock()
	vis := d.visible()
	if index < 0 || index >= len(vis) {
		d.mu.Unlock()
		return Op{}, false
	}
	target := vis[index]
	d.mu.Unlock()

	op := Op{Action: ActionDelete, Char: Char{ID: target.ID, Value: target.Value}}
	d.Apply(op)
	return op, true
}
