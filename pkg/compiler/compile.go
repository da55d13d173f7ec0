package compiler

import "fmt"

// CompileSource lexes, parses, and lowers a single already-merged Program's
// worth of source text to ARM Thumb-2 assembly. Multi-file import merging
// happens one layer up, in pkg/driver, before this is ever called: Generate
// takes a *Program rather than raw source so the driver can hand it one
// Program assembled from every transitively imported module.
func CompileSource(src, file string) (string, error) {
	tokens, err := NewLexer(src, file).Lex()
	if err != nil {
		return "", fmt.Errorf("lex error: %w", err)
	}

	program, err := Parse(tokens, file)
	if err != nil {
		return "", fmt.Errorf("parse error: %w", err)
	}

	syms := NewSymbolTable()
	assembly, err := Generate(program, syms)
	if err != nil {
		return "", fmt.Errorf("codegen error: %w", err)
	}

	return assembly, nil
}

// GenerateProgram lowers an already-parsed and merged Program straight to
// assembly, for callers (the driver) that build the Program themselves by
// combining several files' declarations before a single codegen pass.
func GenerateProgram(program *Program) (string, error) {
	syms := NewSymbolTable()
	assembly, err := Generate(program, syms)
	if err != nil {
		return "", fmt.Errorf("codegen error: %w", err)
	}
	return assembly, nil
}
