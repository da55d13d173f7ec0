// Package driver implements Pynux's whole-program front end: starting from
// a root source file, it transitively resolves every project-local import,
// parses each file (once while walking the import graph, again when
// merging), and merges the results into the single Program the code
// generator expects.
//
// Grounded on _examples/original_source/compiler/pynux.py's
// collect_all_imports/merge_programs for the shape of transitive
// resolution (a visited set for cycle/diamond-dependency dedup, dependency
// order preserved so later files can see earlier ones' declarations) and
// for the exact merge semantics: first-definition-by-name
// wins, internal package-prefix imports are dropped once resolved, external
// imports are carried through untouched for the link step.
package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pynux-lang/pynux/internal/diag"
	"github.com/pynux-lang/pynux/pkg/compiler"
)

// resolveImport maps a dotted module path ("lib.io") to a file under
// root: first <root>/lib/io/__init__.py, then <root>/lib/io.py. Returns
// ("", false) for anything not found on disk — an external/runtime import
// the assembler/linker resolves later.
func resolveImport(module string, root string) (string, bool) {
	parts := strings.Split(module, ".")
	base := filepath.Join(append([]string{root}, parts...)...)

	initPath := filepath.Join(base, "__init__.py")
	if fi, err := os.Stat(initPath); err == nil && !fi.IsDir() {
		return initPath, true
	}
	filePath := base + ".py"
	if fi, err := os.Stat(filePath); err == nil && !fi.IsDir() {
		return filePath, true
	}
	return "", false
}

// parseFile reads and parses one source file.
func parseFile(path string) (*compiler.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	tokens, err := compiler.NewLexer(string(src), path).Lex()
	if err != nil {
		return nil, fmt.Errorf("lex error in %s: %w", path, err)
	}
	program, err := compiler.Parse(tokens, path)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return program, nil
}

// CollectAllImports walks the import graph from mainFile, returning every
// transitively reachable project-local file in dependency order (a file's
// own imports appear before the file itself). root is the project root
// dotted-import paths are resolved against.
func CollectAllImports(mainFile, root string) ([]string, error) {
	mainAbs, err := filepath.Abs(mainFile)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{}
	var ordered []string

	var visit func(path string) error
	visit = func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if visited[abs] {
			return nil
		}
		visited[abs] = true

		program, err := parseFile(abs)
		if err != nil {
			return err
		}
		for _, imp := range program.Imports {
			if depPath, ok := resolveImport(imp.Module, root); ok {
				if err := visit(depPath); err != nil {
					return err
				}
			}
			// Unresolvable imports are external/runtime references; the
			// assembler/linker sees them, not the driver.
		}
		ordered = append(ordered, abs)
		return nil
	}

	if err := visit(mainAbs); err != nil {
		return nil, err
	}
	return ordered, nil
}

// declName returns the name a Decl is deduplicated by, and whether it has
// one at all (import declarations don't participate in name-dedup).
func declName(d compiler.Decl) (string, bool) {
	switch n := d.(type) {
	case *compiler.FunctionDef:
		return n.Name, true
	case *compiler.ClassDef:
		return n.Name, true
	case *compiler.EnumDef:
		return n.Name, true
	case *compiler.ExternDecl:
		return n.Name, true
	case *compiler.VarDeclStmt:
		return n.Name, true
	}
	return "", false
}

// isInternalModule reports whether a module path belongs to one of the
// project's own source trees, whose ImportDecls are dropped once resolved
// rather than carried into the merged Program's import list.
func isInternalModule(module string) bool {
	return strings.HasPrefix(module, "lib.") ||
		strings.HasPrefix(module, "kernel.") ||
		strings.HasPrefix(module, "coreutils.")
}

// MergePrograms parses every file in files and merges them into one
// Program: declarations are kept in file order, first occurrence of a
// given name wins across the whole set, and only external (non-internal)
// imports survive into the merged import list.
func MergePrograms(files []string) (*compiler.Program, error) {
	merged := &compiler.Program{}
	seen := map[string]bool{}

	for _, path := range files {
		program, err := parseFile(path)
		if err != nil {
			return nil, err
		}

		for _, imp := range program.Imports {
			if !isInternalModule(imp.Module) {
				merged.Imports = append(merged.Imports, imp)
			}
		}

		for _, decl := range program.Declarations {
			name, named := declName(decl)
			if named {
				if seen[name] {
					continue
				}
				seen[name] = true
			}
			merged.Declarations = append(merged.Declarations, decl)
		}
	}
	return merged, nil
}

// Build is the single entry point the CLI uses: resolve mainFile's whole
// import graph rooted at projectRoot, merge it, and lower the merged
// Program to assembly. verbose, when true, logs the resolved module list
// to stderr the way the original compiler's compile_with_imports does.
func Build(mainFile, projectRoot string, verbose bool) (string, error) {
	files, err := CollectAllImports(mainFile, projectRoot)
	if err != nil {
		return "", err
	}
	if verbose {
		diag.Info("compiling %d modules...", len(files))
		for _, f := range files {
			rel, err := filepath.Rel(projectRoot, f)
			if err != nil {
				rel = f
			}
			diag.Info("  %s", rel)
		}
	}

	program, err := MergePrograms(files)
	if err != nil {
		return "", err
	}

	return compiler.GenerateProgram(program)
}
