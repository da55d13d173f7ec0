package compiler

// FieldInfo describes one field of a class or union layout.
type FieldInfo struct {
	Name   string
	Type   Type
	Offset int
	Size   int
}

// ClassInfo is the code generator's view of a class: its field layout
// (inherited fields first, 4-byte aligned, strictly growing offsets), its
// base name for method dispatch, and the markers that change codegen.
type ClassInfo struct {
	Name       string
	Fields     []FieldInfo
	Size       int
	BaseName   string // "" if no base
	Packed     bool
	Properties map[string]bool // method names registered via @property
	Statics    map[string]bool // method names registered via @staticmethod
	Classms    map[string]bool // method names registered via @classmethod
	Methods    map[string]bool // every declared method name, for base-class dispatch lookups
}

func (c *ClassInfo) FieldOffset(name string) (FieldInfo, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// UnionInfo places every field at offset 0; Size is the largest field size
// rounded up to 4.
type UnionInfo struct {
	Name   string
	Fields []FieldInfo
	Size   int
}

// GlobalInfo describes a module-level variable: its label, declared type,
// and (for arrays) element size, needed for index-site size decisions.
type GlobalInfo struct {
	Label       string
	Type        Type
	ElementSize int
	IsArray     bool
}

// FuncInfo records whether a top-level name is a user function or an
// extern declaration — the two kinds a resolved Call callee collapses to.
type FuncInfo struct {
	Label    string
	IsExtern bool
}

// Local is one entry in a function's stack-offset table. Offsets are
// negative relative to r7, the frame pointer established by the prologue.
type Local struct {
	Name    string
	Type    Type
	Offset  int
	IsArray bool
	ElemSz  int
}

// FunctionScope is the per-function symbol context: created on entry to
// function code generation, written monotonically, discarded on exit.
type FunctionScope struct {
	Locals      []map[string]*Local
	NextOffset  int             // grows negative
	Globals     map[string]bool // names declared `global` in this function
	LabelCount  int
	LoopStack   []LoopLabels
	DeferStack  []Stmt
	CurrentFunc string
}

type LoopLabels struct {
	ContinueLabel string
	BreakLabel    string
}

func newFunctionScope(name string) *FunctionScope {
	return &FunctionScope{
		Locals:      []map[string]*Local{{}},
		Globals:     map[string]bool{},
		CurrentFunc: name,
	}
}

func (f *FunctionScope) EnterScope() {
	f.Locals = append(f.Locals, map[string]*Local{})
}

func (f *FunctionScope) ExitScope() {
	f.Locals = f.Locals[:len(f.Locals)-1]
}

// Allocate reserves a new local of the given size (rounded up to 4 bytes)
// and returns its stack-frame entry.
func (f *FunctionScope) Allocate(name string, t Type, size int, isArray bool, elemSz int) *Local {
	size = align4(size)
	f.NextOffset -= size
	loc := &Local{Name: name, Type: t, Offset: f.NextOffset, IsArray: isArray, ElemSz: elemSz}
	f.Locals[len(f.Locals)-1][name] = loc
	return loc
}

// Lookup searches innermost-scope-first.
func (f *FunctionScope) Lookup(name string) (*Local, bool) {
	for i := len(f.Locals) - 1; i >= 0; i-- {
		if l, ok := f.Locals[i][name]; ok {
			return l, true
		}
	}
	return nil, false
}

func align4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// SymbolTable is the module-level symbol environment built by the code
// generator's first pass over declarations: globals, classes, unions,
// functions, and the interrupt vector map.
type SymbolTable struct {
	Globals   map[string]*GlobalInfo
	Classes   map[string]*ClassInfo
	Unions    map[string]*UnionInfo
	Functions map[string]*FuncInfo
	// Interrupts maps a vector/handler name to its function label, per the
	// original compiler's vector-table bookkeeping (see SPEC_FULL.md
	// "Supplemented features").
	Interrupts map[string]string
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		Globals:    map[string]*GlobalInfo{},
		Classes:    map[string]*ClassInfo{},
		Unions:     map[string]*UnionInfo{},
		Functions:  map[string]*FuncInfo{},
		Interrupts: map[string]string{},
	}
}

func (s *SymbolTable) DefineClass(c *ClassInfo) { s.Classes[c.Name] = c }
func (s *SymbolTable) GetClass(name string) (*ClassInfo, bool) {
	c, ok := s.Classes[name]
	return c, ok
}

func (s *SymbolTable) DefineUnion(u *UnionInfo) { s.Unions[u.Name] = u }
func (s *SymbolTable) GetUnion(name string) (*UnionInfo, bool) {
	u, ok := s.Unions[name]
	return u, ok
}
