// Package ot implements operational transformation over plain text.
//
// A change is an OperationSeq: an ordered list of retain/insert/delete ops
// that, applied left to right to a base string, yields a new string. All
// lengths and positions are in Unicode code points, not bytes.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidOp reports a structurally invalid change: negative count,
	// wrong payload for the op type, or an unknown op type.
	ErrInvalidOp = errors.New("ot: invalid operation")

	// ErrLengthMismatch reports a change whose consumed length does not fit
	// the string it is applied to or composed with.
	ErrLengthMismatch = errors.New("ot: length mismatch")
)

// Op is one atomic edit. Exactly one of Retain, Insert, Delete.
type Op interface {
	isOp()
}

// Retain skips over n characters of the base string.
type Retain struct {
	N int
}

// Insert adds text at the current position.
type Insert struct {
	Text string
}

// Delete removes n characters of the base string.
type Delete struct {
	N int
}

func (Retain) isOp() {}
func (Insert) isOp() {}
func (Delete) isOp() {}

// OperationSeq is a change: a sequence of atomic ops with cached base and
// target lengths. The zero value is the empty change.
type OperationSeq struct {
	ops       []Op
	baseLen   int
	targetLen int
}

// NewOperationSeq returns an empty change.
func NewOperationSeq() *OperationSeq {
	return &OperationSeq{}
}

// Ops returns the atomic ops of the change. The returned slice must not be
// mutated.
func (o *OperationSeq) Ops() []Op {
	return o.ops
}

// BaseLen returns the length of the string this change applies to.
func (o *OperationSeq) BaseLen() int {
	return o.baseLen
}

// TargetLen returns the length of the string this change produces.
func (o *OperationSeq) TargetLen() int {
	return o.targetLen
}

// IsNoop reports whether the change leaves any input unchanged.
func (o *OperationSeq) IsNoop() bool {
	for _, op := range o.ops {
		if _, ok := op.(Retain); !ok {
			return false
		}
	}
	return true
}

// Retain appends a retain of n characters, merging into a trailing retain.
func (o *OperationSeq) Retain(n int) {
	if n <= 0 {
		return
	}
	o.baseLen += n
	o.targetLen += n
	if last := len(o.ops) - 1; last >= 0 {
		if r, ok := o.ops[last].(Retain); ok {
			o.ops[last] = Retain{N: r.N + n}
			return
		}
	}
	o.ops = append(o.ops, Retain{N: n})
}

// Insert appends an insert of s. A trailing delete is kept after the
// insert so that equivalent changes have one canonical form.
func (o *OperationSeq) Insert(s string) {
	if s == "" {
		return
	}
	o.targetLen += runeLen(s)
	last := len(o.ops) - 1
	if last >= 0 {
		if ins, ok := o.ops[last].(Insert); ok {
			o.ops[last] = Insert{Text: ins.Text + s}
			return
		}
		if _, ok := o.ops[last].(Delete); ok {
			// Insert before a trailing delete; merge with an insert before it.
			if last >= 1 {
				if ins, ok := o.ops[last-1].(Insert); ok {
					o.ops[last-1] = Insert{Text: ins.Text + s}
					return
				}
			}
			o.ops = append(o.ops, nil)
			copy(o.ops[last+1:], o.ops[last:])
			o.ops[last] = Insert{Text: s}
			return
		}
	}
	o.ops = append(o.ops, Insert{Text: s})
}

// Delete appends a delete of n characters, merging into a trailing delete.
func (o *OperationSeq) Delete(n int) {
	if n <= 0 {
		return
	}
	o.baseLen += n
	if last := len(o.ops) - 1; last >= 0 {
		if d, ok := o.ops[last].(Delete); ok {
			o.ops[last] = Delete{N: d.N + n}
			return
		}
	}
	o.ops = append(o.ops, Delete{N: n})
}

// Normalize returns an equivalent change with adjacent ops of the same type
// merged and zero-length ops dropped.
func (o *OperationSeq) Normalize() *OperationSeq {
	out := NewOperationSeq()
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			out.Retain(v.N)
		case Insert:
			out.Insert(v.Text)
		case Delete:
			out.Delete(v.N)
		}
	}
	return out
}

// Validate checks the change against a base string length: every count must
// be non-negative and the consumed (retained plus deleted) length must not
// exceed baseLen.
func (o *OperationSeq) Validate(baseLen int) error {
	consumed := 0
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			if v.N < 0 {
				return ErrInvalidOp
			}
			consumed += v.N
		case Insert:
		case Delete:
			if v.N < 0 {
				return ErrInvalidOp
			}
			consumed += v.N
		default:
			return ErrInvalidOp
		}
	}
	if consumed > baseLen {
		return fmt.Errorf("%w: change consumes %d of %d", ErrLengthMismatch, consumed, baseLen)
	}
	return nil
}

// wireOp is the JSON form of one atomic op.
type wireOp struct {
	Type  string  `json:"type"`
	Count *int    `json:"count,omitempty"`
	Text  *string `json:"text,omitempty"`
}

// MarshalJSON encodes the change as an array of {type, count?, text?} ops.
func (o *OperationSeq) MarshalJSON() ([]byte, error) {
	out := make([]wireOp, 0, len(o.ops))
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			n := v.N
			out = append(out, wireOp{Type: "retain", Count: &n})
		case Insert:
			s := v.Text
			out = append(out, wireOp{Type: "insert", Text: &s})
		case Delete:
			n := v.N
			out = append(out, wireOp{Type: "delete", Count: &n})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates an array of {type, count?, text?}
// ops. Malformed shapes fail with ErrInvalidOp.
func (o *OperationSeq) UnmarshalJSON(data []byte) error {
	var raw []wireOp
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	seq := NewOperationSeq()
	for _, w := range raw {
		switch w.Type {
		case "retain":
			if w.Count == nil || *w.Count < 0 || w.Text != nil {
				return ErrInvalidOp
			}
			seq.Retain(*w.Count)
		case "insert":
			if w.Text == nil || w.Count != nil {
				return ErrInvalidOp
			}
			seq.Insert(*w.Text)
		case "delete":
			if w.Count == nil || *w.Count < 0 || w.Text != nil {
				return ErrInvalidOp
			}
			seq.Delete(*w.Count)
		default:
			return ErrInvalidOp
		}
	}
	*o = *seq
	return nil
}

func runeLen(s string) int {
	return len([]rune(s))
}
