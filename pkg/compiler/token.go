package compiler

import "fmt"

// TokenKind identifies the lexical category of a Token.
type TokenKind int

const (
	EOF TokenKind = iota // sentinel: end of input
	NEWLINE
	INDENT
	DEDENT

	// Literals
	IDENTIFIER
	INTEGER
	FLOAT
	STRING
	FSTRING
	RAWSTRING
	BYTESTRING
	CHARLIT

	// Keywords (Python-derived)
	KW_DEF
	KW_RETURN
	KW_IF
	KW_ELIF
	KW_ELSE
	KW_WHILE
	KW_FOR
	KW_IN
	KW_BREAK
	KW_CONTINUE
	KW_PASS
	KW_IMPORT
	KW_FROM
	KW_AS
	KW_CLASS
	KW_LAMBDA
	KW_NOT
	KW_AND
	KW_OR
	KW_IS
	KW_NONE
	KW_TRUE
	KW_FALSE
	KW_GLOBAL
	KW_ASSERT
	KW_TRY
	KW_EXCEPT
	KW_FINALLY
	KW_RAISE
	KW_YIELD
	KW_WITH
	KW_SELF

	// Language-specific keywords
	KW_EXTERN
	KW_ASM
	KW_DEFER
	KW_MATCH
	KW_CASE
	KW_VOLATILE
	KW_PACKED
	KW_UNION
	KW_INTERRUPT

	// Built-in type names
	TY_INT8
	TY_INT16
	TY_INT32
	TY_INT64
	TY_UINT8
	TY_UINT16
	TY_UINT32
	TY_UINT64
	TY_FLOAT32
	TY_FLOAT64
	TY_BOOL
	TY_CHAR
	TY_STR
	TY_BYTES
	TY_INT
	TY_FLOAT

	// Paired delimiters
	LPAREN
	RPAREN
	LBRACKET
	RBRACKET
	LBRACE
	RBRACE

	// Punctuation
	COLON
	COMMA
	DOT
	DOTDOT
	ELLIPSIS
	SEMICOLON
	ARROW
	AT
	WALRUS

	// Operators
	PLUS
	MINUS
	STAR
	DSLASH
	SLASH
	PERCENT
	DSTAR
	AMP
	PIPE
	CARET
	TILDE
	SHL
	SHR
	EQ
	NEQ
	LT
	GT
	LE
	GE

	// Assignment
	ASSIGN
	PLUS_ASSIGN
	MINUS_ASSIGN
	STAR_ASSIGN
	SLASH_ASSIGN
	PERCENT_ASSIGN
	AMP_ASSIGN
	PIPE_ASSIGN
	CARET_ASSIGN
	SHL_ASSIGN
	SHR_ASSIGN
)

var tokenNames = map[TokenKind]string{
	EOF:        "EOF",
	NEWLINE:    "NEWLINE",
	INDENT:     "INDENT",
	DEDENT:     "DEDENT",
	IDENTIFIER: "IDENTIFIER",
	INTEGER:    "INTEGER",
	FLOAT:      "FLOAT",
	STRING:     "STRING",
	FSTRING:    "FSTRING",
	RAWSTRING:  "RAWSTRING",
	BYTESTRING: "BYTESTRING",
	CHARLIT:    "CHARLIT",

	KW_DEF: "def", KW_RETURN: "return", KW_IF: "if", KW_ELIF: "elif",
	KW_ELSE: "else", KW_WHILE: "while", KW_FOR: "for", KW_IN: "in",
	KW_BREAK: "break", KW_CONTINUE: "continue", KW_PASS: "pass",
	KW_IMPORT: "import", KW_FROM: "from", KW_AS: "as", KW_CLASS: "class",
	KW_LAMBDA: "lambda", KW_NOT: "not", KW_AND: "and", KW_OR: "or",
	KW_IS: "is", KW_NONE: "None", KW_TRUE: "True", KW_FALSE: "False",
	KW_GLOBAL: "global", KW_ASSERT: "assert", KW_TRY: "try",
	KW_EXCEPT: "except", KW_FINALLY: "finally", KW_RAISE: "raise",
	KW_YIELD: "yield", KW_WITH: "with", KW_SELF: "self",

	KW_EXTERN: "extern", KW_ASM: "asm", KW_DEFER: "defer",
	KW_MATCH: "match", KW_CASE: "case", KW_VOLATILE: "volatile",
	KW_PACKED: "packed", KW_UNION: "union", KW_INTERRUPT: "interrupt",

	TY_INT8: "int8", TY_INT16: "int16", TY_INT32: "int32", TY_INT64: "int64",
	TY_UINT8: "uint8", TY_UINT16: "uint16", TY_UINT32: "uint32", TY_UINT64: "uint64",
	TY_FLOAT32: "float32", TY_FLOAT64: "float64", TY_BOOL: "bool",
	TY_CHAR: "char", TY_STR: "str", TY_BYTES: "bytes", TY_INT: "int", TY_FLOAT: "float",

	LPAREN: "(", RPAREN: ")", LBRACKET: "[", RBRACKET: "]", LBRACE: "{", RBRACE: "}",
	COLON: ":", COMMA: ",", DOT: ".", DOTDOT: "..", ELLIPSIS: "...",
	SEMICOLON: ";", ARROW: "->", AT: "@", WALRUS: ":=",

	PLUS: "+", MINUS: "-", STAR: "*", DSLASH: "//", SLASH: "/", PERCENT: "%",
	DSTAR: "**", AMP: "&", PIPE: "|", CARET: "^", TILDE: "~", SHL: "<<", SHR: ">>",
	EQ: "==", NEQ: "!=", LT: "<", GT: ">", LE: "<=", GE: ">=",

	ASSIGN: "=", PLUS_ASSIGN: "+=", MINUS_ASSIGN: "-=", STAR_ASSIGN: "*=",
	SLASH_ASSIGN: "/=", PERCENT_ASSIGN: "%=", AMP_ASSIGN: "&=", PIPE_ASSIGN: "|=",
	CARET_ASSIGN: "^=", SHL_ASSIGN: "<<=", SHR_ASSIGN: ">>=",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// keywords maps source text to its keyword TokenKind. Built-in type names
// are recognized here too, since the lexer cannot tell a type name from an
// ordinary identifier without this table.
var keywords = map[string]TokenKind{
	"def": KW_DEF, "return": KW_RETURN, "if": KW_IF, "elif": KW_ELIF,
	"else": KW_ELSE, "while": KW_WHILE, "for": KW_FOR, "in": KW_IN,
	"break": KW_BREAK, "continue": KW_CONTINUE, "pass": KW_PASS,
	"import": KW_IMPORT, "from": KW_FROM, "as": KW_AS, "class": KW_CLASS,
	"lambda": KW_LAMBDA, "not": KW_NOT, "and": KW_AND, "or": KW_OR,
	"is": KW_IS, "None": KW_NONE, "True": KW_TRUE, "False": KW_FALSE,
	"global": KW_GLOBAL, "assert": KW_ASSERT, "try": KW_TRY,
	"except": KW_EXCEPT, "finally": KW_FINALLY, "raise": KW_RAISE,
	"yield": KW_YIELD, "with": KW_WITH, "self": KW_SELF,

	"extern": KW_EXTERN, "asm": KW_ASM, "defer": KW_DEFER,
	"match": KW_MATCH, "case": KW_CASE, "volatile": KW_VOLATILE,
	"packed": KW_PACKED, "union": KW_UNION, "interrupt": KW_INTERRUPT,

	"int8": TY_INT8, "int16": TY_INT16, "int32": TY_INT32, "int64": TY_INT64,
	"uint8": TY_UINT8, "uint16": TY_UINT16, "uint32": TY_UINT32, "uint64": TY_UINT64,
	"float32": TY_FLOAT32, "float64": TY_FLOAT64, "bool": TY_BOOL,
	"char": TY_CHAR, "str": TY_STR, "bytes": TY_BYTES, "int": TY_INT, "float": TY_FLOAT,
}

// Token is a single lexical unit produced by the Lexer.
type Token struct {
	Kind  TokenKind
	Text  string // the exact source text that was matched (or decoded string body)
	Int   int64
	Float float64
	Span  Span
}

func (t Token) String() string {
	return fmt.Sprintf("%-12s %-16q  %s", t.Kind, t.Text, t.Span)
}

// IsTypeKeyword reports whether k names one of the built-in primitive types.
func (k TokenKind) IsTypeKeyword() bool {
	switch k {
	case TY_INT8, TY_INT16, TY_INT32, TY_INT64, TY_UINT8, TY_UINT16, TY_UINT32, TY_UINT64,
		TY_FLOAT32, TY_FLOAT64, TY_BOOL, TY_CHAR, TY_STR, TY_BYTES, TY_INT, TY_FLOAT:
		return true
	default:
		return false
	}
}
