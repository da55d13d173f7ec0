package compiler

import "fmt"

// ParseError is fatal; it carries the offending token's span.
type ParseError struct {
	Message string
	Token   Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at line %d, column %d", e.Message, e.Token.Span.StartLine, e.Token.Span.StartCol)
}

// Parser is a recursive-descent, precedence-climbing parser producing a
// Program from a token stream. It never attempts error recovery: the first
// mismatch is fatal.
type Parser struct {
	tokens []Token
	pos    int
	file   string
}

func NewParser(tokens []Token, file string) *Parser {
	return &Parser{tokens: tokens, file: file}
}

func (p *Parser) peek() Token { return p.tokens[p.pos] }
func (p *Parser) peekAt(n int) Token {
	if p.pos+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+n]
}
func (p *Parser) advance() Token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}
func (p *Parser) check(k TokenKind) bool { return p.peek().Kind == k }
func (p *Parser) match(k TokenKind) bool {
	if p.check(k) {
		p.advance()
		return true
	}
	return false
}
func (p *Parser) expect(k TokenKind) (Token, error) {
	if p.check(k) {
		return p.advance(), nil
	}
	return Token{}, &ParseError{Message: fmt.Sprintf("expected %s, found %s", k, p.peek().Kind), Token: p.peek()}
}

// skipNewlines consumes zero or more blank NEWLINE tokens, tolerated
// between statements and inside blocks.
func (p *Parser) skipNewlines() {
	for p.check(NEWLINE) {
		p.advance()
	}
}

// Parse produces the Program for one source file: a sequence of imports and
// top-level declarations, tolerant of blank lines between them.
func Parse(tokens []Token, file string) (*Program, error) {
	p := NewParser(tokens, file)
	prog := &Program{}
	p.skipNewlines()
	for !p.check(EOF) {
		if p.check(KW_IMPORT) || p.check(KW_FROM) {
			imp, err := p.parseImport()
			if err != nil {
				return nil, err
			}
			prog.Imports = append(prog.Imports, imp)
		} else {
			decl, err := p.parseDecl()
			if err != nil {
				return nil, err
			}
			prog.Declarations = append(prog.Declarations, decl)
		}
		p.skipNewlines()
	}
	return prog, nil
}

func (p *Parser) parseImport() (*ImportDecl, error) {
	span := p.peek().Span
	if p.match(KW_IMPORT) {
		name, err := p.parseDottedName()
		if err != nil {
			return nil, err
		}
		alias := ""
		if p.match(KW_AS) {
			a, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			alias = a.Text
		}
		return &ImportDecl{Module: name, Alias: alias, Span: span}, nil
	}
	if _, err := p.expect(KW_FROM); err != nil {
		return nil, err
	}
	modTok, err := p.parseDottedName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(KW_IMPORT); err != nil {
		return nil, err
	}
	decl := &ImportDecl{Module: modTok, Span: span}
	if p.match(STAR) {
		decl.Star = true
		return decl, nil
	}
	for {
		n, err := p.expect(IDENTIFIER)
		if err != nil {
			return nil, err
		}
		decl.Names = append(decl.Names, n.Text)
		if !p.match(COMMA) {
			break
		}
	}
	return decl, nil
}

func (p *Parser) parseDottedName() (string, error) {
	first, err := p.expect(IDENTIFIER)
	if err != nil {
		return "", err
	}
	name := first.Text
	for p.match(DOT) {
		part, err := p.expect(IDENTIFIER)
		if err != nil {
			return "", err
		}
		name += "." + part.Text
	}
	return name, nil
}

func (p *Parser) parseDecl() (Decl, error) {
	var decorators []string
	for p.check(AT) {
		p.advance()
		name, err := p.expect(IDENTIFIER)
		if err != nil {
			return nil, err
		}
		decorators = append(decorators, name.Text)
		p.skipNewlines()
	}
	switch {
	case p.check(KW_DEF):
		return p.parseFunctionDef(decorators)
	case p.check(KW_CLASS):
		return p.parseClassDef(decorators)
	case p.check(KW_EXTERN):
		return p.parseExternDecl()
	case p.check(IDENTIFIER) && p.peekAt(1).Kind == COLON:
		return p.parseGlobalVarDecl()
	default:
		return nil, &ParseError{Message: fmt.Sprintf("expected a top-level declaration, found %s", p.peek().Kind), Token: p.peek()}
	}
}

// parseGlobalVarDecl parses a module-level `name: Type` or `name: Type = value`
// line. It reuses VarDeclStmt, which doubles as both a Stmt (for locals) and
// a Decl (for globals).
func (p *Parser) parseGlobalVarDecl() (Decl, error) {
	span := p.peek().Span
	name, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(COLON); err != nil {
		return nil, err
	}
	t, err := p.parseType()
	if err != nil {
		return nil, err
	}
	decl := &VarDeclStmt{Name: name.Text, Type: t, Span: span}
	if p.match(ASSIGN) {
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		decl.Value = v
	}
	if _, err := p.expect(NEWLINE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseExternDecl() (*ExternDecl, error) {
	span := p.peek().Span
	p.advance()
	if _, err := p.expect(KW_DEF); err != nil {
		return nil, err
	}
	name, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}
	var params []Type
	for !p.check(RPAREN) {
		t, err := p.parseType()
		if err != nil {
			return nil, err
		}
		params = append(params, t)
		if !p.match(COMMA) {
			break
		}
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}
	var ret Type
	if p.match(ARROW) {
		t, err := p.parseType()
		if err != nil {
			return nil, err
		}
		ret = t
	}
	return &ExternDecl{Name: name.Text, Params: params, ReturnType: ret, Span: span}, nil
}

func (p *Parser) parseFunctionDef(decorators []string) (*FunctionDef, error) {
	span := p.peek().Span
	p.advance() // def
	name, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}
	var params []*Parameter
	for !p.check(RPAREN) {
		if p.check(KW_SELF) {
			pspan := p.advance().Span
			params = append(params, &Parameter{Name: "self", Span: pspan})
		} else {
			pn, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			param := &Parameter{Name: pn.Text, Span: pn.Span}
			if p.match(COLON) {
				t, err := p.parseType()
				if err != nil {
					return nil, err
				}
				param.Type = t
			}
			if p.match(ASSIGN) {
				d, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				param.Default = d
			}
			params = append(params, param)
		}
		if !p.match(COMMA) {
			break
		}
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}
	var ret Type
	if p.match(ARROW) {
		t, err := p.parseType()
		if err != nil {
			return nil, err
		}
		ret = t
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &FunctionDef{Name: name.Text, Params: params, ReturnType: ret, Body: body, Decorators: decorators, Span: span}, nil
}

func (p *Parser) parseClassDef(decorators []string) (*ClassDef, error) {
	span := p.peek().Span
	p.advance() // class
	name, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	var bases []string
	if p.match(LPAREN) {
		for !p.check(RPAREN) {
			b, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			bases = append(bases, b.Text)
			if !p.match(COMMA) {
				break
			}
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(COLON); err != nil {
		return nil, err
	}
	if _, err := p.expect(NEWLINE); err != nil {
		return nil, err
	}
	if _, err := p.expect(INDENT); err != nil {
		return nil, err
	}
	cd := &ClassDef{Name: name.Text, Bases: bases, Decorators: decorators, Span: span}
	for !p.check(DEDENT) {
		p.skipNewlines()
		if p.check(DEDENT) {
			break
		}
		var methodDecorators []string
		for p.check(AT) {
			p.advance()
			dn, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			methodDecorators = append(methodDecorators, dn.Text)
			p.skipNewlines()
		}
		if p.check(KW_DEF) {
			m, err := p.parseFunctionDef(methodDecorators)
			if err != nil {
				return nil, err
			}
			cd.Methods = append(cd.Methods, m)
		} else {
			fn, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			field := &ClassField{Name: fn.Text, Span: fn.Span}
			if _, err := p.expect(COLON); err != nil {
				return nil, err
			}
			t, err := p.parseType()
			if err != nil {
				return nil, err
			}
			field.Type = t
			if p.match(ASSIGN) {
				d, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				field.Default = d
			}
			cd.Fields = append(cd.Fields, field)
			p.skipNewlines()
		}
	}
	if _, err := p.expect(DEDENT); err != nil {
		return nil, err
	}
	return cd, nil
}

// parseType parses a type expression: primitive/class name, Ptr[T],
// Array[N,T], List[T], Dict[K,V], Optional[T], or a bare generic name.
// Tuple (T1, T2) and function-pointer func(T...)->T type syntax is not
// parsed.
func (p *Parser) parseType() (Type, error) {
	span := p.peek().Span
	tok := p.peek()
	switch {
	case tok.Kind.IsTypeKeyword():
		p.advance()
		return &NamedType{Name: tok.Kind.String(), Span: span}, nil
	case tok.Kind == IDENTIFIER && tok.Text == "Ptr":
		p.advance()
		if _, err := p.expect(LBRACKET); err != nil {
			return nil, err
		}
		inner, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBRACKET); err != nil {
			return nil, err
		}
		return &PointerType{Inner: inner, Span: span}, nil
	case tok.Kind == IDENTIFIER && tok.Text == "Array":
		p.advance()
		if _, err := p.expect(LBRACKET); err != nil {
			return nil, err
		}
		n, err := p.expect(INTEGER)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(COMMA); err != nil {
			return nil, err
		}
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBRACKET); err != nil {
			return nil, err
		}
		return &ArrayType{Size: n.Int, Element: elem, Span: span}, nil
	case tok.Kind == IDENTIFIER && tok.Text == "List":
		p.advance()
		if _, err := p.expect(LBRACKET); err != nil {
			return nil, err
		}
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBRACKET); err != nil {
			return nil, err
		}
		return &ListType{Element: elem, Span: span}, nil
	case tok.Kind == IDENTIFIER && tok.Text == "Dict":
		p.advance()
		if _, err := p.expect(LBRACKET); err != nil {
			return nil, err
		}
		k, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(COMMA); err != nil {
			return nil, err
		}
		v, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBRACKET); err != nil {
			return nil, err
		}
		return &DictType{Key: k, Value: v, Span: span}, nil
	case tok.Kind == IDENTIFIER && tok.Text == "Optional":
		p.advance()
		if _, err := p.expect(LBRACKET); err != nil {
			return nil, err
		}
		inner, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBRACKET); err != nil {
			return nil, err
		}
		return &OptionalType{Inner: inner, Span: span}, nil
	case tok.Kind == IDENTIFIER:
		p.advance()
		return &NamedType{Name: tok.Text, Span: span}, nil
	default:
		return nil, &ParseError{Message: fmt.Sprintf("expected a type, found %s", tok.Kind), Token: tok}
	}
}

// parseBlock parses `:` NEWLINE INDENT stmt* DEDENT.
func (p *Parser) parseBlock() ([]Stmt, error) {
	if _, err := p.expect(COLON); err != nil {
		return nil, err
	}
	if _, err := p.expect(NEWLINE); err != nil {
		return nil, err
	}
	if _, err := p.expect(INDENT); err != nil {
		return nil, err
	}
	var stmts []Stmt
	for !p.check(DEDENT) {
		p.skipNewlines()
		if p.check(DEDENT) {
			break
		}
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
		p.skipNewlines()
	}
	if _, err := p.expect(DEDENT); err != nil {
		return nil, err
	}
	return stmts, nil
}

func (p *Parser) parseStmt() (Stmt, error) {
	switch p.peek().Kind {
	case KW_RETURN:
		span := p.advance().Span
		if p.check(NEWLINE) || p.check(DEDENT) || p.check(EOF) {
			return &ReturnStmt{Span: span}, nil
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ReturnStmt{Value: v, Span: span}, nil
	case KW_IF:
		return p.parseIf()
	case KW_WHILE:
		return p.parseWhile()
	case KW_FOR:
		return p.parseFor()
	case KW_BREAK:
		return &BreakStmt{Span: p.advance().Span}, nil
	case KW_CONTINUE:
		return &ContinueStmt{Span: p.advance().Span}, nil
	case KW_PASS:
		return &PassStmt{Span: p.advance().Span}, nil
	case KW_GLOBAL:
		return p.parseGlobal()
	case KW_DEFER:
		span := p.advance().Span
		inner, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		return &DeferStmt{Call: inner, Span: span}, nil
	case KW_ASSERT:
		return p.parseAssert()
	case KW_MATCH:
		return p.parseMatch()
	case KW_TRY:
		return p.parseTry()
	case KW_RAISE:
		span := p.advance().Span
		if p.check(NEWLINE) || p.check(DEDENT) {
			return &RaiseStmt{Span: span}, nil
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &RaiseStmt{X: v, Span: span}, nil
	case KW_YIELD:
		span := p.advance().Span
		if p.check(NEWLINE) || p.check(DEDENT) {
			return &YieldStmt{Span: span}, nil
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &YieldStmt{X: v, Span: span}, nil
	case KW_WITH:
		return p.parseWith()
	default:
		return p.parseSimpleStmt()
	}
}

func (p *Parser) parseGlobal() (Stmt, error) {
	span := p.advance().Span
	var names []string
	for {
		n, err := p.expect(IDENTIFIER)
		if err != nil {
			return nil, err
		}
		names = append(names, n.Text)
		if !p.match(COMMA) {
			break
		}
	}
	return &GlobalStmt{Names: names, Span: span}, nil
}

func (p *Parser) parseAssert() (Stmt, error) {
	span := p.advance().Span
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var msg Expr
	if p.match(COMMA) {
		m, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		msg = m
	}
	return &AssertStmt{Cond: cond, Msg: msg, Span: span}, nil
}

func (p *Parser) parseIf() (Stmt, error) {
	span := p.advance().Span
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &IfStmt{Cond: cond, Then: then, Span: span}
	for p.check(KW_ELIF) {
		p.advance()
		ec, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		eb, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Elifs = append(stmt.Elifs, ElifClause{Cond: ec, Body: eb})
	}
	if p.match(KW_ELSE) {
		eb, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Else = eb
	}
	return stmt, nil
}

func (p *Parser) parseWhile() (Stmt, error) {
	span := p.advance().Span
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &WhileStmt{Cond: cond, Body: body, Span: span}, nil
}

func (p *Parser) parseFor() (Stmt, error) {
	span := p.advance().Span
	var vars []string
	first, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	vars = append(vars, first.Text)
	for p.match(COMMA) {
		n, err := p.expect(IDENTIFIER)
		if err != nil {
			return nil, err
		}
		vars = append(vars, n.Text)
	}
	if _, err := p.expect(KW_IN); err != nil {
		return nil, err
	}
	iter, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	if len(vars) == 1 {
		return &ForStmt{Var: vars[0], Iterable: iter, Body: body, Span: span}, nil
	}
	return &ForUnpackStmt{Vars: vars, Iterable: iter, Body: body, Span: span}, nil
}

func (p *Parser) parseWith() (Stmt, error) {
	span := p.advance().Span
	var items []WithItem
	for {
		ctx, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		item := WithItem{Context: ctx}
		if p.match(KW_AS) {
			n, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			item.BindName = n.Text
		}
		items = append(items, item)
		if !p.match(COMMA) {
			break
		}
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &WithStmt{Items: items, Body: body, Span: span}, nil
}

func (p *Parser) parseTry() (Stmt, error) {
	span := p.advance().Span
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &TryStmt{Body: body, Span: span}
	for p.check(KW_EXCEPT) {
		p.advance()
		h := ExceptHandler{}
		if !p.check(COLON) {
			n, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			h.ExceptionName = n.Text
			if p.match(KW_AS) {
				b, err := p.expect(IDENTIFIER)
				if err != nil {
					return nil, err
				}
				h.BindName = b.Text
			}
		}
		hb, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		h.Body = hb
		stmt.Handlers = append(stmt.Handlers, h)
	}
	if p.match(KW_ELSE) {
		eb, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Else = eb
	}
	if p.match(KW_FINALLY) {
		fb, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Finally = fb
	}
	return stmt, nil
}

func (p *Parser) parseMatch() (Stmt, error) {
	span := p.advance().Span
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(COLON); err != nil {
		return nil, err
	}
	if _, err := p.expect(NEWLINE); err != nil {
		return nil, err
	}
	if _, err := p.expect(INDENT); err != nil {
		return nil, err
	}
	stmt := &MatchStmt{X: x, Span: span}
	for !p.check(DEDENT) {
		p.skipNewlines()
		if p.check(DEDENT) {
			break
		}
		if _, err := p.expect(KW_CASE); err != nil {
			return nil, err
		}
		arm := MatchArm{}
		if p.check(IDENTIFIER) && p.peek().Text == "_" {
			p.advance()
			arm.Pattern = "_"
		} else {
			n, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			arm.Pattern = n.Text
			if p.match(LPAREN) {
				for !p.check(RPAREN) {
					bn, err := p.expect(IDENTIFIER)
					if err != nil {
						return nil, err
					}
					arm.Bindings = append(arm.Bindings, bn.Text)
					if !p.match(COMMA) {
						break
					}
				}
				if _, err := p.expect(RPAREN); err != nil {
					return nil, err
				}
			}
		}
		body, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		arm.Body = body
		stmt.Arms = append(stmt.Arms, arm)
		p.skipNewlines()
	}
	if _, err := p.expect(DEDENT); err != nil {
		return nil, err
	}
	return stmt, nil
}

// parseSimpleStmt handles typed var-decl, assignment, tuple-unpack
// assignment, and bare expression statements, per spec.md §4.2's dispatch
// rule: identifier followed by `:` is a decl, by `=`/compound is an
// assignment, by `,` is tuple-unpack; otherwise an expression statement
// that may itself resolve to an assignment if it parses as an lvalue.
func (p *Parser) parseSimpleStmt() (Stmt, error) {
	span := p.peek().Span
	if p.check(IDENTIFIER) && p.peekAt(1).Kind == COLON {
		name := p.advance()
		p.advance() // colon
		t, err := p.parseType()
		if err != nil {
			return nil, err
		}
		decl := &VarDeclStmt{Name: name.Text, Type: t, Span: span}
		if p.match(ASSIGN) {
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			decl.Value = v
		}
		return decl, nil
	}

	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.check(COMMA) {
		targets := []Expr{first}
		for p.match(COMMA) {
			t, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
		if _, err := p.expect(ASSIGN); err != nil {
			return nil, err
		}
		value, err := p.parseRHSValue()
		if err != nil {
			return nil, err
		}
		return &TupleUnpackAssignStmt{Targets: targets, Value: value, Span: span}, nil
	}
	if op, ok := p.assignOpHere(); ok {
		p.advance()
		value, err := p.parseRHSValue()
		if err != nil {
			return nil, err
		}
		return &AssignmentStmt{Target: first, Value: value, Op: op, Span: span}, nil
	}
	return &ExprStmt{X: first, Span: span}, nil
}

// parseRHSValue wraps multiple comma-separated values into a synthetic
// TupleLit, per spec.md §4.2's tuple-unpacking-RHS rule.
func (p *Parser) parseRHSValue() (Expr, error) {
	span := p.peek().Span
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.check(COMMA) {
		return first, nil
	}
	elems := []Expr{first}
	for p.match(COMMA) {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return &TupleLit{Elements: elems, Span: span}, nil
}

func (p *Parser) assignOpHere() (AssignOp, bool) {
	switch p.peek().Kind {
	case ASSIGN:
		return OpAssign, true
	case PLUS_ASSIGN:
		return OpAddAssign, true
	case MINUS_ASSIGN:
		return OpSubAssign, true
	case STAR_ASSIGN:
		return OpMulAssign, true
	case SLASH_ASSIGN:
		return OpDivAssign, true
	case PERCENT_ASSIGN:
		return OpModAssign, true
	case AMP_ASSIGN:
		return OpAndAssign, true
	case PIPE_ASSIGN:
		return OpOrAssign, true
	case CARET_ASSIGN:
		return OpXorAssign, true
	case SHL_ASSIGN:
		return OpShlAssign, true
	case SHR_ASSIGN:
		return OpShrAssign, true
	}
	return 0, false
}

// ---- Expression precedence ladder (low to high) ----
// conditional > or > and > not > comparison chain > | > ^ > & > shift >
// additive > multiplicative > unary > power (right-assoc) > postfix > primary

func (p *Parser) parseExpr() (Expr, error) { return p.parseConditional() }

func (p *Parser) parseConditional() (Expr, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.check(KW_IF) {
		span := p.advance().Span
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(KW_ELSE); err != nil {
			return nil, err
		}
		elseV, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		return &ConditionalExpr{Cond: cond, Then: then, Else: elseV, Span: span}, nil
	}
	return then, nil
}

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.check(KW_OR) {
		span := p.advance().Span
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.check(KW_AND) {
		span := p.advance().Span
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.check(KW_NOT) {
		span := p.advance().Span
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: UnaryNot, X: x, Span: span}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for {
		var op BinaryOp
		matched := true
		span := p.peek().Span
		switch p.peek().Kind {
		case EQ:
			op = OpEq
		case NEQ:
			op = OpNeq
		case LT:
			op = OpLt
		case GT:
			op = OpGt
		case LE:
			op = OpLe
		case GE:
			op = OpGe
		case KW_IN:
			op = OpIn
		case KW_IS:
			p.advance()
			if p.match(KW_NOT) {
				right, err := p.parseBitOr()
				if err != nil {
					return nil, err
				}
				left = &BinaryExpr{Op: OpIsNot, Left: left, Right: right, Span: span}
				continue
			}
			right, err := p.parseBitOr()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: OpIs, Left: left, Right: right, Span: span}
			continue
		case KW_NOT:
			if p.peekAt(1).Kind == KW_IN {
				p.advance()
				p.advance()
				right, err := p.parseBitOr()
				if err != nil {
					return nil, err
				}
				left = &BinaryExpr{Op: OpNotIn, Left: left, Right: right, Span: span}
				continue
			}
			matched = false
		default:
			matched = false
		}
		if !matched {
			break
		}
		p.advance()
		right, err := p.parseBitOr()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseBitOr() (Expr, error) {
	left, err := p.parseBitXor()
	if err != nil {
		return nil, err
	}
	for p.check(PIPE) {
		span := p.advance().Span
		right, err := p.parseBitXor()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpBitOr, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseBitXor() (Expr, error) {
	left, err := p.parseBitAnd()
	if err != nil {
		return nil, err
	}
	for p.check(CARET) {
		span := p.advance().Span
		right, err := p.parseBitAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpBitXor, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseBitAnd() (Expr, error) {
	left, err := p.parseShift()
	if err != nil {
		return nil, err
	}
	for p.check(AMP) {
		span := p.advance().Span
		right, err := p.parseShift()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpBitAnd, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseShift() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.check(SHL) || p.check(SHR) {
		op := OpShl
		if p.peek().Kind == SHR {
			op = OpShr
		}
		span := p.advance().Span
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.check(PLUS) || p.check(MINUS) {
		op := OpAdd
		if p.peek().Kind == MINUS {
			op = OpSub
		}
		span := p.advance().Span
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.check(STAR) || p.check(SLASH) || p.check(DSLASH) || p.check(PERCENT) {
		var op BinaryOp
		switch p.peek().Kind {
		case STAR:
			op = OpMul
		case SLASH:
			op = OpDiv
		case DSLASH:
			op = OpFloorDiv
		case PERCENT:
			op = OpMod
		}
		span := p.advance().Span
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right, Span: span}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	switch p.peek().Kind {
	case MINUS:
		span := p.advance().Span
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: UnaryNeg, X: x, Span: span}, nil
	case TILDE:
		span := p.advance().Span
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: UnaryBitNot, X: x, Span: span}, nil
	case STAR:
		span := p.advance().Span
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: UnaryDeref, X: x, Span: span}, nil
	case AMP:
		span := p.advance().Span
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: UnaryAddr, X: x, Span: span}, nil
	}
	return p.parsePower()
}

func (p *Parser) parsePower() (Expr, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if p.check(DSTAR) {
		span := p.advance().Span
		exp, err := p.parseUnary() // right-assoc: recurse at unary level, climbing back through power
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: OpPow, Left: base, Right: exp, Span: span}, nil
	}
	return base, nil
}

func (p *Parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().Kind {
		case LPAREN:
			span := p.advance().Span
			call := &CallExpr{Func: x, Kwargs: map[string]Expr{}, Span: span}
			for !p.check(RPAREN) {
				if p.check(IDENTIFIER) && p.peekAt(1).Kind == ASSIGN {
					name := p.advance()
					p.advance()
					v, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					call.Kwargs[name.Text] = v
				} else {
					a, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					call.Args = append(call.Args, a)
				}
				if !p.match(COMMA) {
					break
				}
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			x = call
		case DOT:
			p.advance()
			name, err := p.expect(IDENTIFIER)
			if err != nil {
				return nil, err
			}
			if p.check(LPAREN) {
				span := p.advance().Span
				mc := &MethodCallExpr{Obj: x, Method: name.Text, Span: span}
				for !p.check(RPAREN) {
					a, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					mc.Args = append(mc.Args, a)
					if !p.match(COMMA) {
						break
					}
				}
				if _, err := p.expect(RPAREN); err != nil {
					return nil, err
				}
				x = mc
			} else {
				x = &MemberExpr{Obj: x, Field: name.Text, Span: name.Span}
			}
		case LBRACKET:
			span := p.advance().Span
			var start, end, step Expr
			isSlice := false
			if !p.check(COLON) {
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				start = e
			}
			if p.match(COLON) {
				isSlice = true
				if !p.check(COLON) && !p.check(RBRACKET) {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					end = e
				}
				if p.match(COLON) {
					if !p.check(RBRACKET) {
						e, err := p.parseExpr()
						if err != nil {
							return nil, err
						}
						step = e
					}
				}
			}
			if _, err := p.expect(RBRACKET); err != nil {
				return nil, err
			}
			if isSlice {
				x = &SliceExpr{Obj: x, Start: start, End: end, Step: step, Span: span}
			} else {
				x = &IndexExpr{Obj: x, Index: start, Span: span}
			}
		default:
			return x, nil
		}
	}
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.peek()
	span := tok.Span
	switch tok.Kind {
	case INTEGER:
		p.advance()
		return &IntLiteral{Value: tok.Int, Span: span}, nil
	case FLOAT:
		p.advance()
		return &FloatLiteral{Value: tok.Float, Span: span}, nil
	case STRING, RAWSTRING, BYTESTRING:
		p.advance()
		return &StringLiteral{Value: tok.Text, Span: span}, nil
	case FSTRING:
		p.advance()
		return &FStringLiteral{Raw: tok.Text, Span: span}, nil
	case KW_TRUE:
		p.advance()
		return &BoolLiteral{Value: true, Span: span}, nil
	case KW_FALSE:
		p.advance()
		return &BoolLiteral{Value: false, Span: span}, nil
	case KW_NONE:
		p.advance()
		return &NoneLiteral{Span: span}, nil
	case KW_SELF:
		p.advance()
		return &SelfExpr{Span: span}, nil
	case KW_LAMBDA:
		return p.parseLambda()
	case IDENTIFIER:
		if tok.Text == "sizeof" && p.peekAt(1).Kind == LPAREN {
			p.advance()
			p.advance()
			t, err := p.parseType()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			return &SizeOfExpr{Type: t, Span: span}, nil
		}
		if tok.Text == "cast" && p.peekAt(1).Kind == LBRACKET {
			p.advance()
			p.advance()
			t, err := p.parseType()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RBRACKET); err != nil {
				return nil, err
			}
			if _, err := p.expect(LPAREN); err != nil {
				return nil, err
			}
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			return &CastExpr{Type: t, X: x, Span: span}, nil
		}
		if tok.Text == "Ptr" && p.peekAt(1).Kind == LBRACKET {
			p.advance()
			p.advance()
			t, err := p.parseType()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RBRACKET); err != nil {
				return nil, err
			}
			if _, err := p.expect(LPAREN); err != nil {
				return nil, err
			}
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			return &PointerCastExpr{Inner: t, X: x, Span: span}, nil
		}
		if tok.Text == "asm" && p.peekAt(1).Kind == LPAREN {
			p.advance()
			p.advance()
			code, err := p.expect(STRING)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			return &AsmExpr{Code: code.Text, Span: span}, nil
		}
		p.advance()
		return &Identifier{Name: tok.Text, Span: span}, nil
	case LBRACKET:
		return p.parseListOrComprehension()
	case LBRACE:
		return p.parseDictOrSet()
	case LPAREN:
		p.advance()
		if p.check(RPAREN) {
			p.advance()
			return &TupleLit{Span: span}, nil
		}
		first, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.check(COMMA) {
			elems := []Expr{first}
			for p.match(COMMA) {
				if p.check(RPAREN) {
					break
				}
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				elems = append(elems, e)
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			return &TupleLit{Elements: elems, Span: span}, nil
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
		return first, nil
	default:
		if tok.Kind.IsTypeKeyword() {
			p.advance()
			if _, err := p.expect(LPAREN); err != nil {
				return nil, err
			}
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RPAREN); err != nil {
				return nil, err
			}
			return &CastExpr{Type: &NamedType{Name: tok.Kind.String(), Span: span}, X: x, Span: span}, nil
		}
		return nil, &ParseError{Message: fmt.Sprintf("unexpected token %s in expression", tok.Kind), Token: tok}
	}
}

func (p *Parser) parseLambda() (Expr, error) {
	span := p.advance().Span
	var params []*Parameter
	for !p.check(COLON) {
		n, err := p.expect(IDENTIFIER)
		if err != nil {
			return nil, err
		}
		params = append(params, &Parameter{Name: n.Text, Span: n.Span})
		if !p.match(COMMA) {
			break
		}
	}
	if _, err := p.expect(COLON); err != nil {
		return nil, err
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &LambdaExpr{Params: params, Body: body, Span: span}, nil
}

// parseListOrComprehension parses `[ expr, ... ]` or `[ expr for x in it [if cond] ]`.
func (p *Parser) parseListOrComprehension() (Expr, error) {
	span := p.advance().Span // [
	if p.check(RBRACKET) {
		p.advance()
		return &ListLit{Span: span}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.check(KW_FOR) {
		p.advance()
		v, err := p.expect(IDENTIFIER)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(KW_IN); err != nil {
			return nil, err
		}
		iter, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		var cond Expr
		if p.match(KW_IF) {
			c, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			cond = c
		}
		if _, err := p.expect(RBRACKET); err != nil {
			return nil, err
		}
		return &ListComprehension{Elem: first, Var: v.Text, Iterable: iter, Cond: cond, Span: span}, nil
	}
	elems := []Expr{first}
	for p.match(COMMA) {
		if p.check(RBRACKET) {
			break
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	if _, err := p.expect(RBRACKET); err != nil {
		return nil, err
	}
	return &ListLit{Elements: elems, Span: span}, nil
}

// parseDictOrSet parses `{ k: v, ... }` (dict) or `{ e, ... }` (set, lowered
// to a list per spec.md §4.2).
func (p *Parser) parseDictOrSet() (Expr, error) {
	span := p.advance().Span // {
	if p.check(RBRACE) {
		p.advance()
		return &DictLit{Span: span}, nil
	}
	firstKey, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.match(COLON) {
		firstVal, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dict := &DictLit{Entries: []DictEntry{{Key: firstKey, Value: firstVal}}, Span: span}
		for p.match(COMMA) {
			if p.check(RBRACE) {
				break
			}
			k, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(COLON); err != nil {
				return nil, err
			}
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			dict.Entries = append(dict.Entries, DictEntry{Key: k, Value: v})
		}
		if _, err := p.expect(RBRACE); err != nil {
			return nil, err
		}
		return dict, nil
	}
	// Set literal, lowered to ListLit.
	set := &ListLit{Elements: []Expr{firstKey}, Span: span}
	for p.match(COMMA) {
		if p.check(RBRACE) {
			break
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		set.Elements = append(set.Elements, e)
	}
	if _, err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return set, nil
}
