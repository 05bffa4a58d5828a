package ot

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alphabet = "abcdefghij \nABCDE"

func randomText(r *rand.Rand, n int) string {
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = rune(alphabet[r.Intn(len(alphabet))])
	}
	return string(runes)
}

// randomChange builds a random valid change against a base of length n.
func randomChange(r *rand.Rand, n int) *OperationSeq {
	seq := NewOperationSeq()
	remaining := n
	for remaining > 0 {
		switch r.Intn(3) {
		case 0:
			k := 1 + r.Intn(remaining)
			seq.Retain(k)
			remaining -= k
		case 1:
			seq.Insert(randomText(r, 1+r.Intn(5)))
		case 2:
			k := 1 + r.Intn(remaining)
			seq.Delete(k)
			remaining -= k
		}
	}
	if r.Intn(2) == 0 {
		seq.Insert(randomText(r, 1+r.Intn(5)))
	}
	return seq
}

func TestApplyBasic(t *testing.T) {
	seq := NewOperationSeq()
	seq.Retain(2)
	seq.Insert("XY")
	seq.Delete(1)

	got, err := seq.Apply("abcd")
	require.NoError(t, err)
	assert.Equal(t, "abXYd", got)
}

func TestApplyImplicitRetain(t *testing.T) {
	seq := NewOperationSeq()
	seq.Insert("!")

	got, err := seq.Apply("hello")
	require.NoError(t, err)
	assert.Equal(t, "!hello", got)
}

func TestApplyOverrun(t *testing.T) {
	seq := NewOperationSeq()
	seq.Retain(3)
	seq.Delete(4)

	_, err := seq.Apply("abc")
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestApplyUnicode(t *testing.T) {
	seq := NewOperationSeq()
	seq.Retain(2)
	seq.Insert("🙂")
	seq.Delete(1)

	got, err := seq.Apply("héllo")
	require.NoError(t, err)
	assert.Equal(t, "hé🙂lo", got)
}

func TestInsertCanonicalOrder(t *testing.T) {
	// An insert after a delete is placed before the delete so equivalent
	// changes have a single canonical form.
	seq := NewOperationSeq()
	seq.Retain(1)
	seq.Delete(2)
	seq.Insert("Z")

	got, err := seq.Apply("abc")
	require.NoError(t, err)
	assert.Equal(t, "aZ", got)

	ops := seq.Ops()
	require.Len(t, ops, 3)
	assert.IsType(t, Retain{}, ops[0])
	assert.IsType(t, Insert{}, ops[1])
	assert.IsType(t, Delete{}, ops[2])
}

// TestTransformConvergence fuzzes TP1: for changes a, b against the same
// base, apply(apply(base, a), b') == apply(apply(base, b), a').
func TestTransformConvergence(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		base := randomText(r, r.Intn(30))
		a := randomChange(r, runeLen(base))
		b := randomChange(r, runeLen(base))

		aPrime, bPrime, err := a.Transform(b)
		require.NoError(t, err, "iteration %d", i)

		viaA, err := a.Apply(base)
		require.NoError(t, err)
		left, err := bPrime.Apply(viaA)
		require.NoError(t, err)

		viaB, err := b.Apply(base)
		require.NoError(t, err)
		right, err := aPrime.Apply(viaB)
		require.NoError(t, err)

		require.Equal(t, left, right, "iteration %d: base=%q", i, base)
	}
}

func TestTransformInsertTieBreak(t *testing.T) {
	a := NewOperationSeq()
	a.Insert("Hello")
	b := NewOperationSeq()
	b.Insert("World")

	aPrime, bPrime, err := a.Transform(b)
	require.NoError(t, err)

	// The left change inserts first.
	afterA, err := a.Apply("")
	require.NoError(t, err)
	final, err := bPrime.Apply(afterA)
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", final)

	afterB, err := b.Apply("")
	require.NoError(t, err)
	final2, err := aPrime.Apply(afterB)
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", final2)
}

// TestComposeCorrectness fuzzes P3: apply(base, compose(a, b)) ==
// apply(apply(base, a), b).
func TestComposeCorrectness(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		base := randomText(r, r.Intn(30))
		a := randomChange(r, runeLen(base))

		mid, err := a.Apply(base)
		require.NoError(t, err)
		b := randomChange(r, runeLen(mid))

		c, err := a.Compose(b)
		require.NoError(t, err, "iteration %d", i)

		direct, err := c.Apply(base)
		require.NoError(t, err)

		stepwise, err := b.Apply(mid)
		require.NoError(t, err)

		require.Equal(t, stepwise, direct, "iteration %d", i)
	}
}

// TestDiffRoundTrip fuzzes P2: apply(x, diff(x, y)) == y.
func TestDiffRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	for i := 0; i < 500; i++ {
		x := randomText(r, r.Intn(40))
		y := randomText(r, r.Intn(40))

		change := Diff(x, y)
		got, err := change.Apply(x)
		require.NoError(t, err, "iteration %d", i)
		require.Equal(t, y, got, "iteration %d: x=%q y=%q", i, x, y)
	}
}

func TestDiffDeterministic(t *testing.T) {
	a := Diff("hello world", "hello brave world")
	b := Diff("hello world", "hello brave world")
	assert.Equal(t, a.Ops(), b.Ops())
}

func TestTransformIndex(t *testing.T) {
	tests := []struct {
		name  string
		build func(*OperationSeq)
		pos   int
		want  int
	}{
		{"insert before shifts right", func(s *OperationSeq) { s.Insert("ab") }, 3, 5},
		{"insert after leaves alone", func(s *OperationSeq) { s.Retain(5); s.Insert("ab") }, 3, 3},
		{"delete before shrinks", func(s *OperationSeq) { s.Delete(2); s.Retain(5) }, 4, 2},
		{"delete spanning clamps to start", func(s *OperationSeq) { s.Retain(2); s.Delete(4) }, 4, 2},
		{"delete after leaves alone", func(s *OperationSeq) { s.Retain(5); s.Delete(2) }, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := NewOperationSeq()
			tt.build(seq)
			assert.Equal(t, tt.want, seq.TransformIndex(tt.pos))
		})
	}
}

func TestPositionIndexConversion(t *testing.T) {
	text := "ab\ncdef\n\ngh"

	assert.Equal(t, 0, PositionToIndex(text, 0, 0))
	assert.Equal(t, 4, PositionToIndex(text, 1, 1))
	assert.Equal(t, 8, PositionToIndex(text, 2, 0))
	// Column clamps at end of line.
	assert.Equal(t, 2, PositionToIndex(text, 0, 99))

	line, col := IndexToPosition(text, 4)
	assert.Equal(t, 1, line)
	assert.Equal(t, 1, col)

	line, col = IndexToPosition(text, 0)
	assert.Equal(t, 0, line)
	assert.Equal(t, 0, col)
}

func TestNormalizeMergesAdjacent(t *testing.T) {
	seq := &OperationSeq{
		ops:       []Op{Retain{2}, Retain{3}, Insert{"a"}, Insert{"b"}, Delete{1}, Delete{2}},
		baseLen:   8,
		targetLen: 7,
	}
	norm := seq.Normalize()
	require.Len(t, norm.Ops(), 3)
	assert.Equal(t, Retain{5}, norm.Ops()[0])
	assert.Equal(t, Insert{"ab"}, norm.Ops()[1])
	assert.Equal(t, Delete{3}, norm.Ops()[2])
}

func TestValidate(t *testing.T) {
	seq := NewOperationSeq()
	seq.Retain(3)
	seq.Delete(2)

	assert.NoError(t, seq.Validate(5))
	assert.NoError(t, seq.Validate(10))
	assert.Error(t, seq.Validate(4))
}

func TestJSONRoundTrip(t *testing.T) {
	seq := NewOperationSeq()
	seq.Retain(2)
	seq.Insert("hi")
	seq.Delete(3)

	data, err := json.Marshal(seq)
	require.NoError(t, err)

	var decoded OperationSeq
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, seq.Ops(), decoded.Ops())
	assert.Equal(t, seq.BaseLen(), decoded.BaseLen())
	assert.Equal(t, seq.TargetLen(), decoded.TargetLen())
}

func TestJSONRejectsMalformed(t *testing.T) {
	cases := []string{
		`[{"type":"retain"}]`,
		`[{"type":"retain","count":-1}]`,
		`[{"type":"insert"}]`,
		`[{"type":"insert","count":3}]`,
		`[{"type":"delete","text":"x"}]`,
		`[{"type":"replace","count":1}]`,
	}
	for _, c := range cases {
		var seq OperationSeq
		assert.Error(t, json.Unmarshal([]byte(c), &seq), "payload %s", c)
	}
}
