package compiler

import "testing"

func TestLexIndentation(t *testing.T) {
	src := "def f() -> int32:\n    x: int32 = 1\n    return x\n"
	tokens, err := NewLexer(src, "test.py").Lex()
	if err != nil {
		t.Fatalf("unexpected lex error: %v", err)
	}

	var kinds []TokenKind
	for _, tok := range tokens {
		kinds = append(kinds, tok.Kind)
	}

	want := []TokenKind{KW_DEF, IDENTIFIER, LPAREN, RPAREN, ARROW, TY_INT32, COLON, NEWLINE, INDENT}
	if len(kinds) < len(want) {
		t.Fatalf("expected at least %d tokens, got %d", len(want), len(kinds))
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("token %d: got %v, want %v", i, kinds[i], k)
		}
	}
}

func TestLexOperators(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []TokenKind
	}{
		{"arithmetic", "1 + 2 - 3 * 4 / 5 % 6\n", []TokenKind{INTEGER, PLUS, INTEGER, MINUS, INTEGER, STAR, INTEGER, SLASH, INTEGER, PERCENT, INTEGER, NEWLINE}},
		{"comparison", "a == b != c\n", []TokenKind{IDENTIFIER, EQ, IDENTIFIER, NEQ, IDENTIFIER, NEWLINE}},
		{"compound assign", "a += 1\n", []TokenKind{IDENTIFIER, PLUS_ASSIGN, INTEGER, NEWLINE}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tokens, err := NewLexer(tc.src, "test.py").Lex()
			if err != nil {
				t.Fatalf("unexpected lex error: %v", err)
			}
			if len(tokens) < len(tc.want) {
				t.Fatalf("expected at least %d tokens, got %d", len(tc.want), len(tokens))
			}
			for i, k := range tc.want {
				if tokens[i].Kind != k {
					t.Errorf("token %d: got %v, want %v", i, tokens[i].Kind, k)
				}
			}
		})
	}
}

func TestLexStringAndFString(t *testing.T) {
	tokens, err := NewLexer(`x = f"hello {name}"` + "\n", "test.py").Lex()
	if err != nil {
		t.Fatalf("unexpected lex error: %v", err)
	}
	foundFString := false
	for _, tok := range tokens {
		if tok.Kind == FSTRING {
			foundFString = true
		}
	}
	if !foundFString {
		t.Errorf("expected an FSTRING token, got %v", tokens)
	}
}
