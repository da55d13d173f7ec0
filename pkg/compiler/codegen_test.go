package compiler

import (
	"strings"
	"testing"
)

func generateSource(t *testing.T, src string) string {
	t.Helper()
	tokens, err := NewLexer(src, "test.py").Lex()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	program, err := Parse(tokens, "test.py")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	asm, err := Generate(program, NewSymbolTable())
	if err != nil {
		t.Fatalf("codegen error: %v", err)
	}
	return asm
}

func TestGenerateArithmetic(t *testing.T) {
	asm := generateSource(t, "def f() -> int32:\n    return 1 + 2 * 3\n")
	if !strings.Contains(asm, "f:") {
		t.Fatalf("expected a global label %q in:\n%s", "f:", asm)
	}
	if !strings.Contains(asm, "mul") {
		t.Errorf("expected a mul instruction for operator precedence, got:\n%s", asm)
	}
	if !strings.Contains(asm, "pop {r7, pc}") {
		t.Errorf("expected an epilogue pop, got:\n%s", asm)
	}
}

func TestGenerateControlFlow(t *testing.T) {
	asm := generateSource(t, strings.Join([]string{
		"def f(n: int32) -> int32:",
		"    s: int32 = 0",
		"    for i in range(n):",
		"        s = s + i",
		"    return s",
		"",
	}, "\n"))
	if !strings.Contains(asm, "bge") {
		t.Errorf("expected a range-loop bound check (bge), got:\n%s", asm)
	}
	if !strings.Contains(asm, "add r0, r0, r1") {
		t.Errorf("expected the loop body's addition, got:\n%s", asm)
	}
}

func TestGenerateClassFieldLayout(t *testing.T) {
	asm := generateSource(t, strings.Join([]string{
		"class P:",
		"    x: int32",
		"    y: int32",
		"    def sum(self) -> int32:",
		"        return self.x + self.y",
		"",
	}, "\n"))
	if !strings.Contains(asm, "P_sum:") {
		t.Fatalf("expected method label P_sum, got:\n%s", asm)
	}
	if !strings.Contains(asm, "add r0, r0, #4") {
		t.Errorf("expected field y at offset 4, got:\n%s", asm)
	}
}

func TestGenerateDeferOrdering(t *testing.T) {
	asm := generateSource(t, strings.Join([]string{
		"def f() -> int32:",
		`    defer print("one")`,
		`    defer print("two")`,
		"    return 0",
		"",
	}, "\n"))
	twoLit := strings.Index(asm, `.asciz "two"`)
	oneLit := strings.Index(asm, `.asciz "one"`)
	if twoLit == -1 || oneLit == -1 || twoLit >= oneLit {
		t.Errorf("expected the second defer's literal to be pooled before the first's (LIFO defer order), got:\n%s", asm)
	}
}

func TestGenerateMatch(t *testing.T) {
	asm := generateSource(t, strings.Join([]string{
		"def f(k: int32) -> int32:",
		"    match k:",
		"        case One(v):",
		"            return v",
		"        case _:",
		"            return 0",
		"",
	}, "\n"))
	if !strings.Contains(asm, "cmp r0, #0") {
		t.Errorf("expected the variant tag compared against id 0 for the first arm, got:\n%s", asm)
	}
}

func TestStringInterning(t *testing.T) {
	asm := generateSource(t, strings.Join([]string{
		"def f() -> int32:",
		`    print("hi")`,
		`    print("hi")`,
		`    print("ho")`,
		"    return 0",
		"",
	}, "\n"))
	if strings.Count(asm, `.asciz "hi"`) != 1 {
		t.Errorf("expected identical string literals to share one .rodata entry, got:\n%s", asm)
	}
	if !strings.Contains(asm, `.asciz "ho"`) {
		t.Errorf("expected a distinct entry for a differing literal, got:\n%s", asm)
	}
}

func TestFrameReserveThresholds(t *testing.T) {
	tests := []struct {
		name   string
		nlocal int
		want   string
	}{
		{"small frame uses sub", 4, "sub sp, sp, #"},
		{"large frame uses sub.w", 200, "sub.w sp, sp, #"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var b strings.Builder
			b.WriteString("def f() -> int32:\n")
			for i := 0; i < tc.nlocal; i++ {
				b.WriteString("    v")
				b.WriteString(strings.Repeat("x", 0))
				b.WriteString(intToStr(i))
				b.WriteString(": int32 = 0\n")
			}
			b.WriteString("    return 0\n")
			asm := generateSource(t, b.String())
			if !strings.Contains(asm, tc.want) {
				t.Errorf("expected %q in frame setup, got:\n%s", tc.want, asm)
			}
		})
	}
}

func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
