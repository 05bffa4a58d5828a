package storage

import "strings"

// LineCount returns the number of lines in content: one more than the
// number of newlines, except that empty content counts as a single line.
func LineCount(content string) int {
	if content == "" {
		return 1
	}
	return strings.Count(content, "\n") + 1
}

// ByteSize returns the size of content in bytes.
func ByteSize(content string) int64 {
	return int64(len(content))
}
