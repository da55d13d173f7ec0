package driver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pynux-lang/pynux/pkg/compiler"
)

// writeProject lays out a small multi-file project under a temp dir and
// returns its root.
func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

// TestCollectAllImportsDependencyOrder covers spec.md's cross-module
// scenario: main.py imports lib.io, which imports lib.memory. The driver
// must walk the graph so memory's own file lands before io's, and io's
// before main's, regardless of traversal order.
func TestCollectAllImportsDependencyOrder(t *testing.T) {
	root := writeProject(t, map[string]string{
		"main.py": strings.Join([]string{
			"import lib.io",
			"",
			"def main() -> int32:",
			"    return 0",
			"",
		}, "\n"),
		"lib/io.py": strings.Join([]string{
			"import lib.memory",
			"",
			"def print_str(s: str) -> int32:",
			"    return 1",
			"",
		}, "\n"),
		"lib/memory.py": strings.Join([]string{
			"def print_str(s: str) -> int32:",
			"    return 0",
			"",
		}, "\n"),
	})

	files, err := CollectAllImports(filepath.Join(root, "main.py"), root)
	if err != nil {
		t.Fatalf("CollectAllImports: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(files), files)
	}

	indexOf := func(suffix string) int {
		for i, f := range files {
			if strings.HasSuffix(f, suffix) {
				return i
			}
		}
		t.Fatalf("no file with suffix %q in %v", suffix, files)
		return -1
	}

	memIdx := indexOf(filepath.Join("lib", "memory.py"))
	ioIdx := indexOf(filepath.Join("lib", "io.py"))
	mainIdx := indexOf("main.py")

	if !(memIdx < ioIdx && ioIdx < mainIdx) {
		t.Errorf("expected memory before io before main, got order %v", files)
	}
}

// TestMergeProgramsFirstDefinitionWins covers the other half of the same
// scenario: both lib.memory and lib.io define print_str; since memory is
// ordered first, its definition must be the one that survives the merge.
func TestMergeProgramsFirstDefinitionWins(t *testing.T) {
	root := writeProject(t, map[string]string{
		"main.py": strings.Join([]string{
			"import lib.io",
			"",
			"def main() -> int32:",
			"    return 0",
			"",
		}, "\n"),
		"lib/io.py": strings.Join([]string{
			"import lib.memory",
			"",
			"def print_str(s: str) -> int32:",
			"    return 1",
			"",
		}, "\n"),
		"lib/memory.py": strings.Join([]string{
			"def print_str(s: str) -> int32:",
			"    return 0",
			"",
		}, "\n"),
	})

	files, err := CollectAllImports(filepath.Join(root, "main.py"), root)
	if err != nil {
		t.Fatalf("CollectAllImports: %v", err)
	}

	program, err := MergePrograms(files)
	if err != nil {
		t.Fatalf("MergePrograms: %v", err)
	}

	var printStrDefs []*compiler.FunctionDef
	for _, decl := range program.Declarations {
		if fn, ok := decl.(*compiler.FunctionDef); ok && fn.Name == "print_str" {
			printStrDefs = append(printStrDefs, fn)
		}
	}
	if len(printStrDefs) != 1 {
		t.Fatalf("expected exactly 1 surviving print_str definition, got %d", len(printStrDefs))
	}
	ret, ok := printStrDefs[0].Body[0].(*compiler.ReturnStmt)
	if !ok {
		t.Fatalf("expected a return statement, got %T", printStrDefs[0].Body[0])
	}
	lit, ok := ret.Value.(*compiler.IntLiteral)
	if !ok || lit.Value != 0 {
		t.Errorf("expected memory's print_str (returns 0) to win, got %#v", ret.Value)
	}
}

// TestBuildWiresImportsAndMerge is an end-to-end smoke test: Build should
// resolve the whole graph, merge it, and hand the single Program to codegen
// without error.
func TestBuildWiresImportsAndMerge(t *testing.T) {
	root := writeProject(t, map[string]string{
		"main.py": strings.Join([]string{
			"import lib.io",
			"",
			"def main() -> int32:",
			"    return 0",
			"",
		}, "\n"),
		"lib/io.py": strings.Join([]string{
			"def print_str(s: str) -> int32:",
			"    return 1",
			"",
		}, "\n"),
	})

	asm, err := Build(filepath.Join(root, "main.py"), root, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(asm, "main:") {
		t.Errorf("expected a main label in the generated assembly, got:\n%s", asm)
	}
	if !strings.Contains(asm, "print_str:") {
		t.Errorf("expected print_str's definition to be merged in, got:\n%s", asm)
	}
}
