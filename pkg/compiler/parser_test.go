package compiler

import "testing"

func parseSource(t *testing.T, src string) *Program {
	t.Helper()
	tokens, err := NewLexer(src, "test.py").Lex()
	if err != nil {
		t.Fatalf("unexpected lex error: %v", err)
	}
	program, err := Parse(tokens, "test.py")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return program
}

func TestParseImport(t *testing.T) {
	prog := parseSource(t, "import lib.io\n")
	if len(prog.Imports) != 1 {
		t.Fatalf("expected 1 import, got %d", len(prog.Imports))
	}
	if prog.Imports[0].Module != "lib.io" {
		t.Errorf("got module %q, want %q", prog.Imports[0].Module, "lib.io")
	}
}

func TestParseFunctionDef(t *testing.T) {
	prog := parseSource(t, "def add(a: int32, b: int32) -> int32:\n    return a + b\n")
	if len(prog.Declarations) != 1 {
		t.Fatalf("expected 1 declaration, got %d", len(prog.Declarations))
	}
	fn, ok := prog.Declarations[0].(*FunctionDef)
	if !ok {
		t.Fatalf("expected *FunctionDef, got %T", prog.Declarations[0])
	}
	if fn.Name != "add" {
		t.Errorf("got name %q, want %q", fn.Name, "add")
	}
	if len(fn.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(fn.Params))
	}
	if len(fn.Body) != 1 {
		t.Fatalf("expected 1 body statement, got %d", len(fn.Body))
	}
	ret, ok := fn.Body[0].(*ReturnStmt)
	if !ok {
		t.Fatalf("expected *ReturnStmt, got %T", fn.Body[0])
	}
	bin, ok := ret.Value.(*BinaryExpr)
	if !ok {
		t.Fatalf("expected *BinaryExpr, got %T", ret.Value)
	}
	if bin.Op != OpAdd {
		t.Errorf("got op %v, want OpAdd", bin.Op)
	}
}

func TestParseClassDef(t *testing.T) {
	prog := parseSource(t, "class Point:\n    x: int32\n    y: int32\n")
	cls, ok := prog.Declarations[0].(*ClassDef)
	if !ok {
		t.Fatalf("expected *ClassDef, got %T", prog.Declarations[0])
	}
	if cls.Name != "Point" {
		t.Errorf("got name %q, want %q", cls.Name, "Point")
	}
	if len(cls.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(cls.Fields))
	}
}

func TestParseOperatorPrecedence(t *testing.T) {
	prog := parseSource(t, "def f() -> int32:\n    return 1 + 2 * 3\n")
	fn := prog.Declarations[0].(*FunctionDef)
	ret := fn.Body[0].(*ReturnStmt)
	top, ok := ret.Value.(*BinaryExpr)
	if !ok {
		t.Fatalf("expected top-level *BinaryExpr, got %T", ret.Value)
	}
	if top.Op != OpAdd {
		t.Fatalf("expected top-level op to be '+' (lowest precedence), got %v", top.Op)
	}
	if _, ok := top.Left.(*IntLiteral); !ok {
		t.Errorf("expected left operand to be the literal 1, got %T", top.Left)
	}
	rhs, ok := top.Right.(*BinaryExpr)
	if !ok {
		t.Fatalf("expected right operand to be the nested '2 * 3', got %T", top.Right)
	}
	if rhs.Op != OpMul {
		t.Errorf("expected nested op to be '*', got %v", rhs.Op)
	}
}

func TestParseIfElif(t *testing.T) {
	prog := parseSource(t, "def f(n: int32) -> int32:\n    if n > 0:\n        return 1\n    elif n < 0:\n        return -1\n    else:\n        return 0\n")
	fn := prog.Declarations[0].(*FunctionDef)
	ifs, ok := fn.Body[0].(*IfStmt)
	if !ok {
		t.Fatalf("expected *IfStmt, got %T", fn.Body[0])
	}
	if len(ifs.Elifs) != 1 {
		t.Fatalf("expected 1 elif clause, got %d", len(ifs.Elifs))
	}
	if ifs.Else == nil {
		t.Fatalf("expected an else branch")
	}
}

func TestParseForRange(t *testing.T) {
	prog := parseSource(t, "def f(n: int32) -> int32:\n    for i in range(n):\n        pass\n    return 0\n")
	fn := prog.Declarations[0].(*FunctionDef)
	forStmt, ok := fn.Body[0].(*ForStmt)
	if !ok {
		t.Fatalf("expected *ForStmt, got %T", fn.Body[0])
	}
	if forStmt.Var != "i" {
		t.Errorf("got loop var %q, want %q", forStmt.Var, "i")
	}
	call, ok := forStmt.Iterable.(*CallExpr)
	if !ok {
		t.Fatalf("expected iterable to be a *CallExpr, got %T", forStmt.Iterable)
	}
	ident, ok := call.Func.(*Identifier)
	if !ok || ident.Name != "range" {
		t.Errorf("expected iterable call to be range(...), got %#v", call.Func)
	}
}

func TestParseUntypedFirstAssignment(t *testing.T) {
	prog := parseSource(t, "def f() -> int32:\n    x = 1\n    return x\n")
	fn := prog.Declarations[0].(*FunctionDef)
	assign, ok := fn.Body[0].(*AssignmentStmt)
	if !ok {
		t.Fatalf("expected *AssignmentStmt, got %T", fn.Body[0])
	}
	if id, ok := assign.Target.(*Identifier); !ok || id.Name != "x" || assign.Op != OpAssign {
		t.Errorf("expected plain assignment to x, got target %#v op %v", assign.Target, assign.Op)
	}
	if _, ok := assign.Value.(*IntLiteral); !ok {
		t.Errorf("expected value to be an *IntLiteral, got %T", assign.Value)
	}
}

func TestParseDeferWrapsCall(t *testing.T) {
	prog := parseSource(t, "def f() -> int32:\n    defer close(fd)\n    return 0\n")
	fn := prog.Declarations[0].(*FunctionDef)
	def, ok := fn.Body[0].(*DeferStmt)
	if !ok {
		t.Fatalf("expected *DeferStmt, got %T", fn.Body[0])
	}
	if def.Call == nil {
		t.Fatalf("expected a wrapped call statement")
	}
}

func TestParseUnterminatedBlockErrors(t *testing.T) {
	tokens, err := NewLexer("def f() -> int32:\n", "test.py").Lex()
	if err != nil {
		t.Fatalf("unexpected lex error: %v", err)
	}
	if _, err := Parse(tokens, "test.py"); err == nil {
		t.Errorf("expected a parse error for a function with no body")
	}
}
