package ot

import "github.com/sergi/go-diff/diffmatchpatch"

// Diff produces a change that rewrites old into new, for clients that only
// know the two snapshots. The output is deterministic for given inputs and
// satisfies apply(old, Diff(old, new)) == new.
func Diff(old, new string) *OperationSeq {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, false)

	seq := NewOperationSeq()
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			seq.Retain(runeLen(d.Text))
		case diffmatchpatch.DiffDelete:
			seq.Delete(runeLen(d.Text))
		case diffmatchpatch.DiffInsert:
			seq.Insert(d.Text)
		}
	}
	return seq
}
