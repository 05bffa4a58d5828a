package ot

// TransformIndex maps a character position through a change so it keeps
// referring to the same logical spot: inserts at or before the position
// shift it right, deletes before it shift it left, and a delete spanning
// the position clamps it to the delete start.
func (o *OperationSeq) TransformIndex(position int) int {
	index := position
	newIndex := index

	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			index -= v.N
		case Insert:
			newIndex += runeLen(v.Text)
		case Delete:
			if index >= v.N {
				newIndex -= v.N
			} else if index > 0 {
				newIndex -= index
			}
			index -= v.N
		}
		if index < 0 {
			break
		}
	}

	if newIndex < 0 {
		return 0
	}
	return newIndex
}

// PositionToIndex converts a line/column pair into a flat character offset
// in text, clamping to the end of the line and of the text.
func PositionToIndex(text string, line, column int) int {
	runes := []rune(text)
	idx := 0
	for l := 0; l < line && idx < len(runes); {
		if runes[idx] == '\n' {
			l++
		}
		idx++
	}
	for c := 0; c < column && idx < len(runes) && runes[idx] != '\n'; c++ {
		idx++
	}
	return idx
}

// IndexToPosition converts a flat character offset into a line/column pair.
func IndexToPosition(text string, index int) (line, column int) {
	runes := []rune(text)
	if index > len(runes) {
		index = len(runes)
	}
	for i := 0; i < index; i++ {
		if runes[i] == '\n' {
			line++
			column = 0
		} else {
			column++
		}
	}
	return line, column
}
