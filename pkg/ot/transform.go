package ot

import "strings"

// Apply applies the change to text and returns the result. A change that
// consumes less than the full text implicitly retains the remaining suffix;
// a change that consumes more than the text fails with ErrLengthMismatch.
func (o *OperationSeq) Apply(text string) (string, error) {
	runes := []rune(text)
	if o.baseLen > len(runes) {
		return "", ErrLengthMismatch
	}

	var b strings.Builder
	idx := 0
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			b.WriteString(string(runes[idx : idx+v.N]))
			idx += v.N
		case Insert:
			b.WriteString(v.Text)
		case Delete:
			idx += v.N
		}
	}
	b.WriteString(string(runes[idx:]))
	return b.String(), nil
}

// Transform rewrites two changes authored against the same base so each can
// be applied after the other: apply(apply(base, a), b') equals
// apply(apply(base, b), a'). The receiver is the left operand; when both
// changes insert at the same position, the receiver's insert lands first.
func (o *OperationSeq) Transform(other *OperationSeq) (aPrime, bPrime *OperationSeq, err error) {
	base := o.baseLen
	if other.baseLen > base {
		base = other.baseLen
	}
	a := o.padTo(base)
	b := other.padTo(base)

	aPrime = NewOperationSeq()
	bPrime = NewOperationSeq()

	ia, ib := newOpIter(a.ops), newOpIter(b.ops)
	for {
		if ia.done() && ib.done() {
			return aPrime, bPrime, nil
		}

		// Inserts go first; left before right on ties.
		if s, ok := ia.peekInsert(); ok {
			aPrime.Insert(s)
			bPrime.Retain(runeLen(s))
			ia.next()
			continue
		}
		if s, ok := ib.peekInsert(); ok {
			aPrime.Retain(runeLen(s))
			bPrime.Insert(s)
			ib.next()
			continue
		}

		if ia.done() || ib.done() {
			return nil, nil, ErrLengthMismatch
		}

		n := min(ia.remaining(), ib.remaining())
		aRetain, bRetain := ia.isRetain(), ib.isRetain()
		switch {
		case aRetain && bRetain:
			aPrime.Retain(n)
			bPrime.Retain(n)
		case !aRetain && !bRetain:
			// Both delete the same span; nothing survives on either side.
		case !aRetain && bRetain:
			aPrime.Delete(n)
		case aRetain && !bRetain:
			bPrime.Delete(n)
		}
		ia.consume(n)
		ib.consume(n)
	}
}

// Compose merges the receiver with a change valid against its output:
// apply(base, a.Compose(b)) equals apply(apply(base, a), b). A short-form b
// is padded with an implicit trailing retain.
func (o *OperationSeq) Compose(other *OperationSeq) (*OperationSeq, error) {
	if other.baseLen > o.targetLen {
		return nil, ErrLengthMismatch
	}
	b := other.padTo(o.targetLen)

	out := NewOperationSeq()
	ia, ib := newOpIter(o.ops), newOpIter(b.ops)
	for {
		if ia.done() && ib.done() {
			return out, nil
		}

		if !ia.done() && !ia.isRetain() && !ia.isInsert() {
			out.Delete(ia.remaining())
			ia.next()
			continue
		}
		if s, ok := ib.peekInsert(); ok {
			out.Insert(s)
			ib.next()
			continue
		}

		if ia.done() || ib.done() {
			return nil, ErrLengthMismatch
		}

		n := min(ia.remaining(), ib.remaining())
		switch {
		case ia.isRetain() && ib.isRetain():
			out.Retain(n)
		case ia.isRetain() && !ib.isRetain():
			out.Delete(n)
		case ia.isInsert() && ib.isRetain():
			out.Insert(ia.takeInsert(n))
			ib.consume(n)
			continue
		case ia.isInsert() && !ib.isRetain():
			// Inserted text deleted by the second change; drop it.
			ia.takeInsert(n)
			ib.consume(n)
			continue
		}
		ia.consume(n)
		ib.consume(n)
	}
}

// padTo returns a copy of the change whose base length is extended to n by
// a trailing retain.
func (o *OperationSeq) padTo(n int) *OperationSeq {
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
	if out.baseLen < n {
		out.Retain(n - out.baseLen)
	}
	return out
}

// opIter walks a list of ops, allowing partial consumption of retains and
// deletes and prefix consumption of inserts.
type opIter struct {
	ops []Op
	i   int
	// used counts consumed characters of the current op.
	used int
}

func newOpIter(ops []Op) *opIter {
	return &opIter{ops: ops}
}

func (it *opIter) done() bool {
	return it.i >= len(it.ops)
}

func (it *opIter) next() {
	it.i++
	it.used = 0
}

func (it *opIter) isRetain() bool {
	_, ok := it.ops[it.i].(Retain)
	return ok
}

func (it *opIter) isInsert() bool {
	_, ok := it.ops[it.i].(Insert)
	return ok
}

func (it *opIter) peekInsert() (string, bool) {
	if it.done() {
		return "", false
	}
	ins, ok := it.ops[it.i].(Insert)
	if !ok {
		return "", false
	}
	return string([]rune(ins.Text)[it.used:]), true
}

// remaining returns the unconsumed length of the current op.
func (it *opIter) remaining() int {
	switch v := it.ops[it.i].(type) {
	case Retain:
		return v.N - it.used
	case Delete:
		return v.N - it.used
	case Insert:
		return runeLen(v.Text) - it.used
	}
	return 0
}

// consume advances n characters into the current op, moving to the next op
// once it is exhausted.
func (it *opIter) consume(n int) {
	it.used += n
	if it.remaining() == 0 {
		it.next()
	}
}

// takeInsert consumes and returns the next n characters of the current
// insert op.
func (it *opIter) takeInsert(n int) string {
	ins := it.ops[it.i].(Insert)
	runes := []rune(ins.Text)
	s := string(runes[it.used : it.used+n])
	it.used += n
	if it.used == len(runes) {
		it.next()
	}
	return s
}
