package compiler

import "fmt"

// Span identifies a range of source text for diagnostics. It is attached to
// every token and every AST node and never crosses a file boundary.
type Span struct {
	File       string
	StartLine  int
	StartCol   int
	EndLine    int
	EndCol     int
}

func (s Span) String() string {
	if s.StartLine == s.EndLine {
		return fmt.Sprintf("%s:%d:%d", s.File, s.StartLine, s.StartCol)
	}
	return fmt.Sprintf("%s:%d:%d-%d:%d", s.File, s.StartLine, s.StartCol, s.EndLine, s.EndCol)
}

// Join returns the smallest span covering both s and other. Both must
// belong to the same file; callers never join spans across files.
func (s Span) Join(other Span) Span {
	joined := s
	if other.StartLine < joined.StartLine || (other.StartLine == joined.StartLine && other.StartCol < joined.StartCol) {
		joined.StartLine = other.StartLine
		joined.StartCol = other.StartCol
	}
	if other.EndLine > joined.EndLine || (other.EndLine == joined.EndLine && other.EndCol > joined.EndCol) {
		joined.EndLine = other.EndLine
		joined.EndCol = other.EndCol
	}
	return joined
}
