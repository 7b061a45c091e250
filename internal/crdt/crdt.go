// Package crdt implements the replicated text type backing collaborative
// documents. Characters carry dense position vectors and globally unique
// IDs; inserts and deletes commute, so every replica that applies the
// same set of operations materializes identical text regardless of
// delivery order.
package crdt

import "fmt"

// maxDigit bounds one level of a position vector
const maxDigit = 1 << 30

// ID uniquely identifies a character: a lamport clock paired with the
// site that created it.
type ID struct {
	Clock int    `json:"clock"`
	Site  string `json:"site"`
}

// Char is a single character in the replicated sequence
type Char struct {
	ID    ID     `json:"id"`
	Value string `json:"value"`
	Pos   []int  `json:"pos"`
}

// Op actions
const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

// Op is one replicated edit operation
type Op struct {
	Action string `json:"action"`
	Char   Char   `json:"char"`
}

// Validate rejects structurally broken operations before they reach a
// document.
func (op Op) Validate() error {
	switch op.Action {
	case ActionInsert:
		if len(op.Char.Pos) == 0 {
			return fmt.Errorf("insert without position")
		}
		if op.Char.Value == "" {
			return fmt.Errorf("insert without value")
		}
	case ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
	if op.Char.ID.Site == "" {
		return fmt.Errorf("operation without site id")
	}
	return nil
}

// comparePos orders two characters. Position vectors are compared
// lexicographically, with site and clock as total-order tiebreakers for
// concurrent inserts at the same position.
func comparePos(a, b Char) int {
	for i := 0; i < len(a.Pos) && i < len(b.Pos); i++ {
		if a.Pos[i] != b.Pos[i] {
			if a.Pos[i] < b.Pos[i] {
				return -1
			}
			return 1
		}
	}
	if len(a.Pos) != len(b.Pos) {
		if len(a.Pos) < len(b.Pos) {
			return -1
		}
		return 1
	}
	if a.ID.Site != b.ID.Site {
		if a.ID.Site < b.ID.Site {
			return -1
		}
		return 1
	}
	if a.ID.Clock != b.ID.Clock {
		if a.ID.Clock < b.ID.Clock {
			return -1
		}
		return 1
	}
	return 0
}

// posBetween generates a position strictly between left and right. Empty
// left means the start of the sequence, empty right the end.
func posBetween(left, right []int) []int {
	res := make([]int, 0, len(left)+1)
	for i := 0; ; i++ {
		l := 0
		if i < len(left) {
			l = left[i]
		}
		r := maxDigit
		if i < len(right) {
			r = right[i]
		}
		if r-l > 1 {
			return append(res, l+1)
		}
		res = append(res, l)
	}
}
