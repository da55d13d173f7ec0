package compiler

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// CodeGenError is a fatal code generation failure: an unresolved symbol, an
// unsupported construct, or a type the layout rules can't place.
type CodeGenError struct {
	Message string
}

func (e *CodeGenError) Error() string { return e.Message }

// pendingLambda is a lambda literal seen during expression lowering; its
// body is generated as an ordinary function once the enclosing function is
// done, and its address is what genLambdaRef hands back at the use site.
type pendingLambda struct {
	Label string
	Lam   *LambdaExpr
}

// CodeGen is a single-pass ARM Thumb-2 generator: one strings.Builder sink,
// a per-function label counter and loop-label stack (carried on the active
// FunctionScope, see symtable.go), a string literal pool, a pending
// lambda queue, and the class/union table inherited from the symbol pass.
type CodeGen struct {
	syms       *SymbolTable
	out        strings.Builder
	scope      *FunctionScope
	stringPool map[string]string // literal text -> label
	stringOrder []string         // first-seen order, for deterministic .rodata emission

	lambdas    []pendingLambda
	variantIDs map[string]int // match pattern name -> tag value, assigned on first sight

	currentIsInterrupt bool
}

func newCodeGen(syms *SymbolTable) *CodeGen {
	return &CodeGen{
		syms:       syms,
		stringPool: map[string]string{},
		variantIDs: map[string]int{},
	}
}

func (cg *CodeGen) line(format string, args ...any) {
	fmt.Fprintf(&cg.out, format+"\n", args...)
}

func (cg *CodeGen) newLabel(prefix string) string {
	cg.scope.LabelCount++
	return fmt.Sprintf(".L%s_%s_%d", prefix, cg.scope.CurrentFunc, cg.scope.LabelCount)
}

func (cg *CodeGen) internString(s string) string {
	if label, ok := cg.stringPool[s]; ok {
		return label
	}
	label := fmt.Sprintf(".Lstr%d", len(cg.stringPool))
	cg.stringPool[s] = label
	cg.stringOrder = append(cg.stringOrder, s)
	return label
}

func (cg *CodeGen) variantID(name string) int {
	if id, ok := cg.variantIDs[name]; ok {
		return id
	}
	id := len(cg.variantIDs)
	cg.variantIDs[name] = id
	return id
}

// ---------------------------------------------------------------------------
// Type/layout helpers (component 6, SPEC_FULL.md §4.3)
// ---------------------------------------------------------------------------

func align8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

func sizeOf(t Type, syms *SymbolTable) int {
	switch tt := t.(type) {
	case nil:
		return 4
	case *NamedType:
		switch tt.Name {
		case "int8", "uint8", "char", "bool":
			return 1
		case "int16", "uint16":
			return 2
		case "int64", "uint64", "float64":
			return 8
		case "int32", "uint32", "float32", "int", "float", "str", "bytes":
			return 4
		}
		if c, ok := syms.GetClass(tt.Name); ok {
			return c.Size
		}
		if u, ok := syms.GetUnion(tt.Name); ok {
			return u.Size
		}
		return 4
	case *PointerType, *FunctionPointerType, *ListType, *DictType, *OptionalType:
		return 4
	case *ArrayType:
		return int(tt.Size) * sizeOf(tt.Element, syms)
	case *TupleType:
		total := 0
		for _, e := range tt.Elements {
			total += sizeOf(e, syms)
		}
		return total
	case *GenericType:
		return 4
	default:
		return 4
	}
}

func isFloatType(t Type) bool {
	nt, ok := t.(*NamedType)
	if !ok {
		return false
	}
	return nt.Name == "float32" || nt.Name == "float64" || nt.Name == "float"
}

func isBoolType(t Type) bool {
	nt, ok := t.(*NamedType)
	return ok && nt.Name == "bool"
}

func isCharType(t Type) bool {
	nt, ok := t.(*NamedType)
	return ok && nt.Name == "char"
}

func isStrType(t Type) bool {
	nt, ok := t.(*NamedType)
	return ok && nt.Name == "str"
}

func isSignedType(t Type) bool {
	nt, ok := t.(*NamedType)
	if !ok {
		return true
	}
	switch nt.Name {
	case "uint8", "uint16", "uint32", "uint64", "bool", "char":
		return false
	}
	return true
}

func className(t Type) string {
	switch tt := t.(type) {
	case *NamedType:
		return tt.Name
	case *PointerType:
		return className(tt.Inner)
	}
	return ""
}

func isAggregate(t Type, syms *SymbolTable) bool {
	switch tt := t.(type) {
	case *ArrayType:
		return true
	case *NamedType:
		if _, ok := syms.GetClass(tt.Name); ok {
			return true
		}
		if _, ok := syms.GetUnion(tt.Name); ok {
			return true
		}
	}
	return false
}

func loadOpFor(size int, signed bool) string {
	switch size {
	case 1:
		if signed {
			return "ldrsb"
		}
		return "ldrb"
	case 2:
		if signed {
			return "ldrsh"
		}
		return "ldrh"
	default:
		return "ldr"
	}
}

func storeOpFor(size int) string {
	switch size {
	case 1:
		return "strb"
	case 2:
		return "strh"
	default:
		return "str"
	}
}

func log2(n int) int {
	switch n {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return -1
}

// exprType is a conservative, local best-effort type resolver: enough to
// decide load widths, signedness, dict-vs-list indexing, and struct-vs-union
// field dispatch. It never fails; an unresolvable expression defaults to
// int32, which is always safe for an accumulator-width register machine.
func (cg *CodeGen) exprType(e Expr) Type {
	switch n := e.(type) {
	case *Identifier:
		if loc, ok := cg.scope.Lookup(n.Name); ok {
			return loc.Type
		}
		if g, ok := cg.syms.Globals[n.Name]; ok {
			return g.Type
		}
		return &NamedType{Name: "int32"}
	case *SelfExpr:
		if loc, ok := cg.scope.Lookup("self"); ok {
			return loc.Type
		}
		return &NamedType{Name: "int32"}
	case *IndexExpr:
		t := cg.exprType(n.Obj)
		switch tt := t.(type) {
		case *ArrayType:
			return tt.Element
		case *PointerType:
			return tt.Inner
		case *ListType:
			return tt.Element
		case *DictType:
			return tt.Value
		case *NamedType:
			if tt.Name == "str" || tt.Name == "bytes" {
				return &NamedType{Name: "char"}
			}
		}
		return &NamedType{Name: "int32"}
	case *SliceExpr:
		return cg.exprType(n.Obj)
	case *MemberExpr:
		t := cg.exprType(n.Obj)
		cname := className(t)
		if c, ok := cg.syms.GetClass(cname); ok {
			if f, ok := c.FieldOffset(n.Field); ok {
				return f.Type
			}
		}
		if u, ok := cg.syms.GetUnion(cname); ok {
			for _, f := range u.Fields {
				if f.Name == n.Field {
					return f.Type
				}
			}
		}
		return &NamedType{Name: "int32"}
	case *UnaryExpr:
		if n.Op == UnaryDeref {
			if pt, ok := cg.exprType(n.X).(*PointerType); ok {
				return pt.Inner
			}
		}
		if n.Op == UnaryAddr {
			return &PointerType{Inner: cg.exprType(n.X)}
		}
		return cg.exprType(n.X)
	case *CastExpr:
		return n.Type
	case *PointerCastExpr:
		return &PointerType{Inner: n.Inner}
	case *StringLiteral, *FStringLiteral:
		return &NamedType{Name: "str"}
	case *CharLiteral:
		return &NamedType{Name: "char"}
	case *BoolLiteral:
		return &NamedType{Name: "bool"}
	case *FloatLiteral:
		return &NamedType{Name: "float32"}
	case *StructInit:
		return &NamedType{Name: n.Name}
	case *CallExpr:
		if id, ok := n.Func.(*Identifier); ok {
			if c, ok := cg.syms.GetClass(id.Name); ok {
				return &NamedType{Name: c.Name}
			}
		}
		return &NamedType{Name: "int32"}
	case *ConditionalExpr:
		return cg.exprType(n.Then)
	}
	return &NamedType{Name: "int32"}
}

// ---------------------------------------------------------------------------
// Top-level generation
// ---------------------------------------------------------------------------

// Generate lowers a merged, driver-resolved Program into one ARM Thumb-2
// assembly string, per SPEC_FULL.md §4.4: header directives, a declaration
// collection pass, function/method bodies, then the .data and .rodata
// sections.
func Generate(program *Program, syms *SymbolTable) (string, error) {
	cg := newCodeGen(syms)

	if err := cg.collectDecls(program); err != nil {
		return "", err
	}

	cg.line("\t.syntax unified")
	cg.line("\t.cpu cortex-m3")
	cg.line("\t.thumb")
	cg.line("")
	cg.line("\t.text")

	for _, decl := range program.Declarations {
		switch d := decl.(type) {
		case *FunctionDef:
			if err := cg.genFunction(d, "", d.Name, isInterruptDecl(d)); err != nil {
				return "", err
			}
		case *ClassDef:
			cls, ok := cg.syms.GetClass(d.Name)
			if !ok {
				return "", &CodeGenError{Message: fmt.Sprintf("class %q missing from symbol table", d.Name)}
			}
			for _, m := range d.Methods {
				if err := cg.genMethod(cls, m); err != nil {
					return "", err
				}
			}
		}
	}

	cg.emitDataSection(program)
	cg.emitRodataSection()

	return cg.out.String(), nil
}

func isInterruptDecl(fd *FunctionDef) bool {
	for _, d := range fd.Decorators {
		if d == "interrupt" {
			return true
		}
	}
	return false
}

// collectDecls is the first pass: it builds the module symbol table from
// every declaration in the merged program before any function body is
// lowered, so forward references (a function calling one defined later in
// the file) resolve correctly.
func (cg *CodeGen) collectDecls(program *Program) error {
	classDefs := map[string]*ClassDef{}
	for _, decl := range program.Declarations {
		if cd, ok := decl.(*ClassDef); ok {
			classDefs[cd.Name] = cd
		}
	}
	remaining := make([]*ClassDef, 0, len(classDefs))
	for _, cd := range classDefs {
		remaining = append(remaining, cd)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Name < remaining[j].Name })
	for len(remaining) > 0 {
		progressed := false
		var next []*ClassDef
		for _, cd := range remaining {
			if len(cd.Bases) > 0 {
				if _, ok := cg.syms.GetClass(cd.Bases[0]); !ok {
					next = append(next, cd)
					continue
				}
			}
			if err := cg.layoutClass(cd); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return &CodeGenError{Message: "unresolved base class in class hierarchy"}
		}
		remaining = next
	}

	for _, decl := range program.Declarations {
		switch d := decl.(type) {
		case *FunctionDef:
			cg.syms.Functions[d.Name] = &FuncInfo{Label: d.Name}
			if isInterruptDecl(d) {
				cg.syms.Interrupts[d.Name] = d.Name
			}
		case *ExternDecl:
			cg.syms.Functions[d.Name] = &FuncInfo{Label: d.Name, IsExtern: true}
		case *ClassDef:
			for _, m := range d.Methods {
				label := d.Name + "_" + m.Name
				cg.syms.Functions[label] = &FuncInfo{Label: label}
			}
		case *VarDeclStmt:
			cg.registerGlobal(d)
		}
	}
	return nil
}

func (cg *CodeGen) registerGlobal(d *VarDeclStmt) {
	t := d.Type
	if t == nil {
		t = &NamedType{Name: "int32"}
	}
	_, isArray := t.(*ArrayType)
	elemSz := 0
	if at, ok := t.(*ArrayType); ok {
		elemSz = sizeOf(at.Element, cg.syms)
	}
	cg.syms.Globals[d.Name] = &GlobalInfo{
		Label:       "_g_" + d.Name,
		Type:        t,
		IsArray:     isArray,
		ElementSize: elemSz,
	}
}

// layoutClass computes a ClassInfo: inherited fields first (straight copy of
// the base's Fields, at the base's own offsets), own fields laid out 4-byte
// aligned and strictly growing after that, per SPEC_FULL.md §4.4.4.
func (cg *CodeGen) layoutClass(cd *ClassDef) error {
	info := &ClassInfo{
		Name:       cd.Name,
		Properties: map[string]bool{},
		Statics:    map[string]bool{},
		Classms:    map[string]bool{},
		Methods:    map[string]bool{},
	}
	offset := 0
	if len(cd.Bases) > 0 {
		base, ok := cg.syms.GetClass(cd.Bases[0])
		if !ok {
			return &CodeGenError{Message: fmt.Sprintf("unknown base class %q for %q", cd.Bases[0], cd.Name)}
		}
		info.BaseName = base.Name
		info.Fields = append(info.Fields, base.Fields...)
		offset = base.Size
	}
	for _, f := range cd.Fields {
		size := sizeOf(f.Type, cg.syms)
		offset = align4(offset)
		info.Fields = append(info.Fields, FieldInfo{Name: f.Name, Type: f.Type, Offset: offset, Size: size})
		offset += size
	}
	info.Size = align4(offset)
	if info.Size == 0 {
		info.Size = 4
	}
	for _, d := range cd.Decorators {
		if d == "packed" {
			info.Packed = true
		}
	}
	for _, m := range cd.Methods {
		info.Methods[m.Name] = true
		for _, d := range m.Decorators {
			switch d {
			case "staticmethod":
				info.Statics[m.Name] = true
			case "classmethod":
				info.Classms[m.Name] = true
			case "property":
				info.Properties[m.Name] = true
			}
		}
	}
	cg.syms.DefineClass(info)
	return nil
}

func (cg *CodeGen) findMethod(cls *ClassInfo, name string) (*ClassInfo, bool) {
	for c := cls; c != nil; {
		if c.Methods[name] {
			return c, true
		}
		if c.BaseName == "" {
			return nil, false
		}
		next, ok := cg.syms.GetClass(c.BaseName)
		if !ok {
			return nil, false
		}
		c = next
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Function/method lowering and frame layout (SPEC_FULL.md §4.4.1)
// ---------------------------------------------------------------------------

func (cg *CodeGen) genMethod(cls *ClassInfo, fd *FunctionDef) error {
	label := cls.Name + "_" + fd.Name
	if cls.Statics[fd.Name] {
		return cg.genFunction(fd, "", label, false)
	}
	return cg.genFunction(fd, cls.Name, label, false)
}

// installParams allocates the implicit self/cls parameter (if any) followed
// by the declared parameters as locals, in declaration order, so their
// stack offsets are assigned before the body's own locals.
func (cg *CodeGen) installParams(fd *FunctionDef, selfClass string) []*Local {
	var locs []*Local
	if selfClass != "" {
		loc := cg.scope.Allocate("self", &PointerType{Inner: &NamedType{Name: selfClass}}, 4, false, 0)
		locs = append(locs, loc)
	}
	for _, p := range fd.Params {
		if p.Name == "self" {
			continue
		}
		t := p.Type
		if t == nil {
			t = &NamedType{Name: "int32"}
		}
		size := sizeOf(t, cg.syms)
		isArray := false
		elemSz := 0
		if at, ok := t.(*ArrayType); ok {
			isArray = true
			elemSz = sizeOf(at.Element, cg.syms)
		}
		locs = append(locs, cg.scope.Allocate(p.Name, t, size, isArray, elemSz))
	}
	return locs
}

// computeFrameSize runs the body generator once against a throwaway output
// buffer and scope, purely to learn the final (negative) NextOffset — the
// total local-variable footprint, including every synthetic loop/match/with
// local the real pass will also allocate. Discarding the dry-run text keeps
// this a single logical code path instead of a second, drifting tally.
func (cg *CodeGen) computeFrameSize(fd *FunctionDef, selfClass string) int {
	savedOut := cg.out
	savedScope := cg.scope
	savedLambdas := cg.lambdas

	cg.out = strings.Builder{}
	cg.scope = newFunctionScope(fd.Name)
	cg.installParams(fd, selfClass)
	for _, s := range fd.Body {
		_ = cg.genStmt(s)
	}
	size := -cg.scope.NextOffset

	cg.out = savedOut
	cg.scope = savedScope
	cg.lambdas = savedLambdas
	return align8(size)
}

func (cg *CodeGen) genFunction(fd *FunctionDef, selfClass, label string, isInterrupt bool) error {
	frameSize := cg.computeFrameSize(fd, selfClass)

	cg.scope = newFunctionScope(fd.Name)
	cg.currentIsInterrupt = isInterrupt

	cg.line("")
	cg.line("\t.global %s", label)
	cg.line("%s:", label)
	if isInterrupt {
		cg.line("\tpush {r0, r1, r2, r3, r7, r12, lr}")
	} else {
		cg.line("\tpush {r7, lr}")
	}
	cg.line("\tmov r7, sp")
	cg.emitFrameReserve(frameSize)

	locs := cg.installParams(fd, selfClass)
	cg.spillParams(locs)

	for _, s := range fd.Body {
		if err := cg.genStmt(s); err != nil {
			return err
		}
	}
	if err := cg.runDefers(); err != nil {
		return err
	}
	cg.emitEpilogue()
	cg.line("\t.ltorg")

	for len(cg.lambdas) > 0 {
		pending := cg.lambdas[0]
		cg.lambdas = cg.lambdas[1:]
		if err := cg.genLambdaBody(pending); err != nil {
			return err
		}
	}
	return nil
}

func (cg *CodeGen) genLambdaBody(p pendingLambda) error {
	fd := &FunctionDef{
		Name:   p.Label,
		Params: p.Lam.Params,
		Body:   []Stmt{&ReturnStmt{Value: p.Lam.Body, Span: p.Lam.Span}},
		Span:   p.Lam.Span,
	}
	return cg.genFunction(fd, "", p.Label, false)
}

func (cg *CodeGen) emitFrameReserve(size int) {
	if size <= 0 {
		return
	}
	switch {
	case size <= 508:
		cg.line("\tsub sp, sp, #%d", size)
	case size <= 4095:
		cg.line("\tsub.w sp, sp, #%d", size)
	default:
		cg.line("\tldr r12, =%d", size)
		cg.line("\tsub sp, sp, r12")
	}
}

// spillParams stores each incoming argument register (r0-r3) into its
// local's stack slot; a fifth-or-later parameter is already on the stack
// above the {r7, lr} pushed by the prologue and is copied down instead.
func (cg *CodeGen) spillParams(locs []*Local) {
	regs := []string{"r0", "r1", "r2", "r3"}
	for i, loc := range locs {
		if i >= 4 {
			stackOff := 8 + (i-4)*4
			cg.line("\tldr r4, [r7, #%d]", stackOff)
			cg.line("\t%s r4, [r7, #%d]", storeOpFor(sizeOf(loc.Type, cg.syms)), loc.Offset)
			continue
		}
		cg.line("\t%s %s, [r7, #%d]", storeOpFor(sizeOf(loc.Type, cg.syms)), regs[i], loc.Offset)
	}
}

func (cg *CodeGen) runDefers() error {
	for i := len(cg.scope.DeferStack) - 1; i >= 0; i-- {
		if err := cg.genStmt(cg.scope.DeferStack[i]); err != nil {
			return err
		}
	}
	return nil
}

func (cg *CodeGen) emitEpilogue() {
	cg.line("\tmov sp, r7")
	if cg.currentIsInterrupt {
		cg.line("\tpop {r0, r1, r2, r3, r7, r12, pc}")
	} else {
		cg.line("\tpop {r7, pc}")
	}
}

// ---------------------------------------------------------------------------
// Address-of lowering: computes an lvalue's address into r0 (SPEC_FULL.md
// §4.4.2's "address vs. value" dichotomy).
// ---------------------------------------------------------------------------

func (cg *CodeGen) genAddress(e Expr) error {
	switch n := e.(type) {
	case *Identifier:
		if loc, ok := cg.scope.Lookup(n.Name); ok {
			cg.line("\tadd r0, r7, #%d", loc.Offset)
			return nil
		}
		if g, ok := cg.syms.Globals[n.Name]; ok {
			cg.line("\tldr r0, =%s", g.Label)
			return nil
		}
		return &CodeGenError{Message: fmt.Sprintf("cannot take address of undefined name %q", n.Name)}
	case *IndexExpr:
		return cg.genIndexAddress(n)
	case *MemberExpr:
		return cg.genMemberAddress(n)
	case *UnaryExpr:
		if n.Op == UnaryDeref {
			return cg.genExpr(n.X)
		}
	}
	return &CodeGenError{Message: fmt.Sprintf("expression of type %T is not addressable", e)}
}

func (cg *CodeGen) genIndexAddress(n *IndexExpr) error {
	baseType := cg.exprType(n.Obj)
	elemSize := 4
	isArrayBase := false
	switch bt := baseType.(type) {
	case *ArrayType:
		elemSize = sizeOf(bt.Element, cg.syms)
		isArrayBase = true
	case *PointerType:
		elemSize = sizeOf(bt.Inner, cg.syms)
	case *ListType:
		elemSize = sizeOf(bt.Element, cg.syms)
	case *NamedType:
		if bt.Name == "str" || bt.Name == "bytes" {
			elemSize = 1
		}
	}
	var err error
	if isArrayBase {
		err = cg.genAddress(n.Obj)
	} else {
		err = cg.genExpr(n.Obj)
	}
	if err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	if err := cg.genExpr(n.Index); err != nil {
		return err
	}
	cg.line("\tpop {r1}")
	if elemSize > 1 {
		if shift := log2(elemSize); shift >= 0 {
			cg.line("\tlsl r0, r0, #%d", shift)
		} else {
			cg.line("\tmov r2, #%d", elemSize)
			cg.line("\tmul r0, r0, r2")
		}
	}
	cg.line("\tadd r0, r1, r0")
	return nil
}

func (cg *CodeGen) genMemberAddress(n *MemberExpr) error {
	objType := cg.exprType(n.Obj)
	cname := className(objType)
	cls, ok := cg.syms.GetClass(cname)
	if !ok {
		if u, ok := cg.syms.GetUnion(cname); ok {
			for _, f := range u.Fields {
				if f.Name == n.Field {
					if _, isPtr := objType.(*PointerType); isPtr {
						return cg.genExpr(n.Obj)
					}
					return cg.genAddress(n.Obj)
				}
			}
		}
		return &CodeGenError{Message: fmt.Sprintf("unknown class %q for member access .%s", cname, n.Field)}
	}
	field, ok := cls.FieldOffset(n.Field)
	if !ok {
		return &CodeGenError{Message: fmt.Sprintf("class %s has no field %q", cls.Name, n.Field)}
	}
	if _, isPtr := objType.(*PointerType); isPtr {
		if err := cg.genExpr(n.Obj); err != nil {
			return err
		}
	} else if err := cg.genAddress(n.Obj); err != nil {
		return err
	}
	if field.Offset != 0 {
		cg.line("\tadd r0, r0, #%d", field.Offset)
	}
	return nil
}

func (cg *CodeGen) genLoadViaAddress(e Expr, t Type) error {
	if isAggregate(t, cg.syms) {
		return cg.genAddress(e)
	}
	if err := cg.genAddress(e); err != nil {
		return err
	}
	size := sizeOf(t, cg.syms)
	cg.line("\t%s r0, [r0]", loadOpFor(size, isSignedType(t)))
	return nil
}

// ---------------------------------------------------------------------------
// Expression lowering: evaluates a value into r0 (SPEC_FULL.md §4.4.2)
// ---------------------------------------------------------------------------

func (cg *CodeGen) genExpr(e Expr) error {
	switch n := e.(type) {
	case *IntLiteral:
		cg.genIntConst(n.Value)
		return nil
	case *FloatLiteral:
		bits := math.Float32bits(float32(n.Value))
		cg.line("\tldr r0, =0x%08x", bits)
		return nil
	case *StringLiteral:
		cg.line("\tldr r0, =%s", cg.internString(n.Value))
		return nil
	case *FStringLiteral:
		return &CodeGenError{Message: "f-strings may only appear as a bare print(...) argument"}
	case *CharLiteral:
		cg.line("\tmovs r0, #%d", n.Value)
		return nil
	case *BoolLiteral:
		if n.Value {
			cg.line("\tmovs r0, #1")
		} else {
			cg.line("\tmovs r0, #0")
		}
		return nil
	case *NoneLiteral:
		cg.line("\tmovs r0, #0")
		return nil
	case *Identifier:
		return cg.genIdentifier(n)
	case *SelfExpr:
		return cg.genIdentifier(&Identifier{Name: "self", Span: n.Span})
	case *BinaryExpr:
		return cg.genBinary(n)
	case *UnaryExpr:
		return cg.genUnary(n)
	case *CallExpr:
		if id, ok := n.Func.(*Identifier); ok {
			handled, err := cg.genBuiltinCall(n, id.Name)
			if handled {
				return err
			}
		}
		return cg.genExprCall(n)
	case *MethodCallExpr:
		return cg.genMethodCall(n)
	case *IndexExpr:
		if dt, ok := cg.exprType(n.Obj).(*DictType); ok {
			return cg.genDictGet(n, dt)
		}
		return cg.genLoadViaAddress(e, cg.exprType(e))
	case *SliceExpr:
		return cg.genSlice(n)
	case *MemberExpr:
		objType := cg.exprType(n.Obj)
		if cls, ok := cg.syms.GetClass(className(objType)); ok && cls.Properties[n.Field] {
			return cg.genMethodCall(&MethodCallExpr{Obj: n.Obj, Method: n.Field, Span: n.Span})
		}
		return cg.genLoadViaAddress(e, cg.exprType(e))
	case *ListLit:
		return cg.genListLit(n)
	case *DictLit:
		return cg.genDictLit(n)
	case *TupleLit:
		return cg.genTupleLit(n)
	case *StructInit:
		return cg.genStructInit(n)
	case *ListComprehension:
		return cg.genListComprehension(n)
	case *ConditionalExpr:
		return cg.genConditional(n)
	case *LambdaExpr:
		return cg.genLambdaRef(n)
	case *SizeOfExpr:
		cg.genIntConst(int64(sizeOf(n.Type, cg.syms)))
		return nil
	case *CastExpr:
		return cg.genCast(n)
	case *PointerCastExpr:
		return cg.genExpr(n.X)
	case *AsmExpr:
		return cg.genAsm(n)
	}
	return &CodeGenError{Message: fmt.Sprintf("unsupported expression %T", e)}
}

func (cg *CodeGen) genIdentifier(n *Identifier) error {
	if loc, ok := cg.scope.Lookup(n.Name); ok && !cg.scope.Globals[n.Name] {
		if loc.IsArray {
			cg.line("\tadd r0, r7, #%d", loc.Offset)
			return nil
		}
		cg.loadFromOffset(loc.Offset, sizeOf(loc.Type, cg.syms), isSignedType(loc.Type))
		return nil
	}
	if g, ok := cg.syms.Globals[n.Name]; ok {
		cg.line("\tldr r0, =%s", g.Label)
		if g.IsArray {
			return nil
		}
		cg.line("\t%s r0, [r0]", loadOpFor(sizeOf(g.Type, cg.syms), isSignedType(g.Type)))
		return nil
	}
	if f, ok := cg.syms.Functions[n.Name]; ok {
		cg.line("\tldr r0, =%s", f.Label)
		return nil
	}
	if _, ok := cg.syms.Classes[n.Name]; ok {
		return nil
	}
	return &CodeGenError{Message: fmt.Sprintf("undefined identifier %q", n.Name)}
}

func (cg *CodeGen) loadFromOffset(off, size int, signed bool) {
	cg.line("\t%s r0, [r7, #%d]", loadOpFor(size, signed), off)
}

func (cg *CodeGen) genIntConst(v int64) {
	switch {
	case v >= -256 && v <= 255:
		cg.line("\tmovs r0, #%d", v)
	case v >= 0 && v <= 65535:
		cg.line("\tmovw r0, #%d", v)
	default:
		cg.line("\tldr r0, =%d", v)
	}
}

func (cg *CodeGen) genBinary(n *BinaryExpr) error {
	switch n.Op {
	case OpAnd:
		return cg.genShortCircuit(n, true)
	case OpOr:
		return cg.genShortCircuit(n, false)
	}
	if err := cg.genExpr(n.Right); err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	if err := cg.genExpr(n.Left); err != nil {
		return err
	}
	cg.line("\tpop {r1}")
	switch n.Op {
	case OpAdd:
		cg.line("\tadd r0, r0, r1")
	case OpSub:
		cg.line("\tsub r0, r0, r1")
	case OpMul:
		cg.line("\tmul r0, r0, r1")
	case OpDiv, OpFloorDiv:
		cg.line("\tbl __aeabi_idiv")
	case OpMod:
		cg.line("\tbl __aeabi_idivmod")
		cg.line("\tmov r0, r1")
	case OpPow:
		cg.line("\tbl __pynux_pow")
	case OpBitAnd:
		cg.line("\tand r0, r0, r1")
	case OpBitOr:
		cg.line("\torr r0, r0, r1")
	case OpBitXor:
		cg.line("\teor r0, r0, r1")
	case OpShl:
		cg.line("\tlsl r0, r0, r1")
	case OpShr:
		cg.line("\tasr r0, r0, r1")
	case OpEq, OpNeq, OpLt, OpGt, OpLe, OpGe:
		cg.genComparison(n.Op)
	case OpIn, OpNotIn:
		cg.line("\tbl __pynux_in")
		if n.Op == OpNotIn {
			cg.line("\teor r0, r0, #1")
		}
	case OpIs, OpIsNot:
		cg.line("\tcmp r0, r1")
		if n.Op == OpIs {
			cg.line("\tite eq")
			cg.line("\tmoveq r0, #1")
			cg.line("\tmovne r0, #0")
		} else {
			cg.line("\tite ne")
			cg.line("\tmovne r0, #1")
			cg.line("\tmoveq r0, #0")
		}
	default:
		return &CodeGenError{Message: "unsupported binary operator"}
	}
	return nil
}

func (cg *CodeGen) genComparison(op BinaryOp) {
	cg.line("\tcmp r0, r1")
	var t, f string
	switch op {
	case OpEq:
		t, f = "eq", "ne"
	case OpNeq:
		t, f = "ne", "eq"
	case OpLt:
		t, f = "lt", "ge"
	case OpGt:
		t, f = "gt", "le"
	case OpLe:
		t, f = "le", "gt"
	case OpGe:
		t, f = "ge", "lt"
	}
	cg.line("\tite %s", t)
	cg.line("\tmov%s r0, #1", t)
	cg.line("\tmov%s r0, #0", f)
}

func (cg *CodeGen) genShortCircuit(n *BinaryExpr, isAnd bool) error {
	shortLabel := cg.newLabel("sc")
	endLabel := cg.newLabel("sc")
	if err := cg.genExpr(n.Left); err != nil {
		return err
	}
	cg.line("\tcmp r0, #0")
	if isAnd {
		cg.line("\tbeq %s", shortLabel)
	} else {
		cg.line("\tbne %s", shortLabel)
	}
	if err := cg.genExpr(n.Right); err != nil {
		return err
	}
	cg.line("\tcmp r0, #0")
	cg.line("\tite ne")
	cg.line("\tmovne r0, #1")
	cg.line("\tmoveq r0, #0")
	cg.line("\tb %s", endLabel)
	cg.line("%s:", shortLabel)
	if isAnd {
		cg.line("\tmov r0, #0")
	} else {
		cg.line("\tmov r0, #1")
	}
	cg.line("%s:", endLabel)
	return nil
}

func (cg *CodeGen) genUnary(n *UnaryExpr) error {
	switch n.Op {
	case UnaryAddr:
		return cg.genAddress(n.X)
	case UnaryDeref:
		t := cg.exprType(n.X)
		var inner Type = &NamedType{Name: "int32"}
		if pt, ok := t.(*PointerType); ok {
			inner = pt.Inner
		}
		if err := cg.genExpr(n.X); err != nil {
			return err
		}
		if isAggregate(inner, cg.syms) {
			return nil
		}
		cg.line("\t%s r0, [r0]", loadOpFor(sizeOf(inner, cg.syms), isSignedType(inner)))
		return nil
	case UnaryNeg:
		if err := cg.genExpr(n.X); err != nil {
			return err
		}
		cg.line("\trsb r0, r0, #0")
		return nil
	case UnaryBitNot:
		if err := cg.genExpr(n.X); err != nil {
			return err
		}
		cg.line("\tmvn r0, r0")
		return nil
	case UnaryNot:
		if err := cg.genExpr(n.X); err != nil {
			return err
		}
		cg.line("\tcmp r0, #0")
		cg.line("\tite eq")
		cg.line("\tmoveq r0, #1")
		cg.line("\tmovne r0, #0")
		return nil
	}
	return &CodeGenError{Message: "unsupported unary operator"}
}

func (cg *CodeGen) genCast(n *CastExpr) error {
	if err := cg.genExpr(n.X); err != nil {
		return err
	}
	if nt, ok := n.Type.(*NamedType); ok {
		switch nt.Name {
		case "int8", "uint8", "char", "bool":
			cg.line("\tuxtb r0, r0")
		case "int16", "uint16":
			cg.line("\tuxth r0, r0")
		}
	}
	return nil
}

func (cg *CodeGen) genConditional(n *ConditionalExpr) error {
	falseLabel := cg.newLabel("tern")
	endLabel := cg.newLabel("tern")
	if err := cg.genExpr(n.Cond); err != nil {
		return err
	}
	cg.line("\tcmp r0, #0")
	cg.line("\tbeq %s", falseLabel)
	if err := cg.genExpr(n.Then); err != nil {
		return err
	}
	cg.line("\tb %s", endLabel)
	cg.line("%s:", falseLabel)
	if err := cg.genExpr(n.Else); err != nil {
		return err
	}
	cg.line("%s:", endLabel)
	return nil
}

func (cg *CodeGen) genLambdaRef(n *LambdaExpr) error {
	label := fmt.Sprintf("__lambda_%d", len(cg.lambdas))
	cg.lambdas = append(cg.lambdas, pendingLambda{Label: label, Lam: n})
	cg.line("\tldr r0, =%s", label)
	return nil
}

func dedent(code string) string {
	lines := strings.Split(code, "\n")
	min := -1
	for _, l := range lines {
		trimmed := strings.TrimLeft(l, " \t")
		if trimmed == "" {
			continue
		}
		indent := len(l) - len(trimmed)
		if min == -1 || indent < min {
			min = indent
		}
	}
	if min <= 0 {
		return code
	}
	for i, l := range lines {
		if len(l) >= min {
			lines[i] = l[min:]
		}
	}
	return strings.Join(lines, "\n")
}

func (cg *CodeGen) genAsm(n *AsmExpr) error {
	for _, l := range strings.Split(dedent(n.Code), "\n") {
		if strings.TrimSpace(l) != "" {
			cg.line("\t%s", strings.TrimSpace(l))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Indexing/slicing that isn't a plain load (SPEC_FULL.md §4.4.2)
// ---------------------------------------------------------------------------

func (cg *CodeGen) genDictGet(n *IndexExpr, dt *DictType) error {
	fn := "__pynux_dict_get_int"
	if isStrType(dt.Key) {
		fn = "__pynux_dict_get_str"
	}
	return cg.genArgsAndCall(fn, "", []Expr{n.Obj, n.Index})
}

func (cg *CodeGen) genSlice(n *SliceExpr) error {
	step := Expr(&IntLiteral{Value: 1})
	if n.Step != nil {
		step = n.Step
	}
	end := Expr(&IntLiteral{Value: -1})
	if n.End != nil {
		end = n.End
	}
	start := Expr(&IntLiteral{Value: 0})
	if n.Start != nil {
		start = n.Start
	}
	if err := cg.genExpr(step); err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	if err := cg.genExpr(end); err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	if err := cg.genExpr(start); err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	if err := cg.genExpr(n.Obj); err != nil {
		return err
	}
	cg.line("\tpop {r1}")
	cg.line("\tpop {r2}")
	cg.line("\tpop {r3}")
	cg.line("\tbl __pynux_slice")
	return nil
}

// ---------------------------------------------------------------------------
// Calls: direct, indirect, method, constructor, built-in (SPEC_FULL.md §4.4.2)
// ---------------------------------------------------------------------------

// genArgsAndCall is the single call-emission helper used by every call site:
// direct calls, method calls (selfReg names the register already holding
// the receiver), and runtime/built-in dispatch. The first regCap arguments
// are evaluated left-to-right and landed in r0..r3 (or r1..r3 when selfReg
// occupies r0) via a push-then-pop dance that preserves evaluation order;
// anything beyond that is pushed in reverse immediately before the call and
// popped off with a single `add sp, sp, #n` afterward.
func (cg *CodeGen) genArgsAndCall(label, selfReg string, args []Expr) error {
	regCap := 4
	if selfReg != "" {
		regCap = 3
	}
	regArgs := args
	var stackArgs []Expr
	if len(args) > regCap {
		regArgs = args[:regCap]
		stackArgs = args[regCap:]
	}
	for _, a := range regArgs {
		if err := cg.genExpr(a); err != nil {
			return err
		}
		cg.line("\tpush {r0}")
	}
	regNames := []string{"r0", "r1", "r2", "r3"}
	if selfReg != "" {
		regNames = []string{"r1", "r2", "r3"}
	}
	for i := len(regArgs) - 1; i >= 0; i-- {
		cg.line("\tpop {%s}", regNames[i])
	}
	if len(stackArgs) > 0 {
		for i := len(stackArgs) - 1; i >= 0; i-- {
			if err := cg.genExpr(stackArgs[i]); err != nil {
				return err
			}
			cg.line("\tpush {r0}")
		}
	}
	if selfReg != "" {
		cg.line("\tmov r0, %s", selfReg)
	}
	cg.line("\tbl %s", label)
	if len(stackArgs) > 0 {
		cg.line("\tadd sp, sp, #%d", len(stackArgs)*4)
	}
	return nil
}

func (cg *CodeGen) genExprCall(n *CallExpr) error {
	if id, ok := n.Func.(*Identifier); ok {
		if cls, ok := cg.syms.GetClass(id.Name); ok {
			return cg.genConstructorCall(cls, n.Args)
		}
		if _, isLocal := cg.scope.Lookup(id.Name); isLocal {
			return cg.genIndirectCall(id.Name, n.Args)
		}
		if _, isFn := cg.syms.Functions[id.Name]; isFn {
			return cg.genArgsAndCall(id.Name, "", n.Args)
		}
		return &CodeGenError{Message: fmt.Sprintf("call to undefined function %q", id.Name)}
	}
	if me, ok := n.Func.(*MemberExpr); ok {
		if classIdent, ok := me.Obj.(*Identifier); ok {
			if _, isClass := cg.syms.GetClass(classIdent.Name); isClass {
				return cg.genArgsAndCall(classIdent.Name+"_"+me.Field, "", n.Args)
			}
		}
	}
	return &CodeGenError{Message: "unsupported call target"}
}

func (cg *CodeGen) genIndirectCall(varName string, args []Expr) error {
	loc, _ := cg.scope.Lookup(varName)
	regCap := 4
	regArgs := args
	var stackArgs []Expr
	if len(args) > regCap {
		regArgs = args[:regCap]
		stackArgs = args[regCap:]
	}
	for _, a := range regArgs {
		if err := cg.genExpr(a); err != nil {
			return err
		}
		cg.line("\tpush {r0}")
	}
	regNames := []string{"r0", "r1", "r2", "r3"}
	for i := len(regArgs) - 1; i >= 0; i-- {
		cg.line("\tpop {%s}", regNames[i])
	}
	if len(stackArgs) > 0 {
		for i := len(stackArgs) - 1; i >= 0; i-- {
			if err := cg.genExpr(stackArgs[i]); err != nil {
				return err
			}
			cg.line("\tpush {r0}")
		}
	}
	cg.line("\tldr r12, [r7, #%d]", loc.Offset)
	cg.line("\tblx r12")
	if len(stackArgs) > 0 {
		cg.line("\tadd sp, sp, #%d", len(stackArgs)*4)
	}
	return nil
}

func (cg *CodeGen) genMethodCall(n *MethodCallExpr) error {
	objType := cg.exprType(n.Obj)
	cname := className(objType)
	cls, ok := cg.syms.GetClass(cname)
	if !ok {
		return &CodeGenError{Message: fmt.Sprintf("method call .%s on unknown class %q", n.Method, cname)}
	}
	owner, ok := cg.findMethod(cls, n.Method)
	if !ok {
		owner = cls
	}
	label := owner.Name + "_" + n.Method
	if cls.Statics[n.Method] {
		return cg.genArgsAndCall(label, "", n.Args)
	}
	if err := cg.genExpr(n.Obj); err != nil {
		return err
	}
	cg.line("\tmov r4, r0")
	cg.line("\tpush {r4}")
	err := cg.genArgsAndCall(label, "r4", n.Args)
	cg.line("\tpop {r4}")
	return err
}

// genConstructorCall implements Class(args): the struct is allocated inline
// on the stack (not heap), zero-initialised up to 32 bytes, then __init__
// (if the class declares one) runs against that storage before its address
// becomes the call's value — see SPEC_FULL.md's "Supplemented features".
func (cg *CodeGen) genConstructorCall(cls *ClassInfo, args []Expr) error {
	frameSize := align4(cls.Size)
	cg.scope.NextOffset -= frameSize
	selfOffset := cg.scope.NextOffset
	cg.line("\tadd r0, r7, #%d", selfOffset)
	cg.genZeroFill("r0", cls.Size)
	if _, ok := cg.findMethod(cls, "__init__"); ok {
		cg.line("\tadd r4, r7, #%d", selfOffset)
		cg.line("\tpush {r4}")
		if err := cg.genArgsAndCall(cls.Name+"___init__", "r4", args); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tpop {r4}")
		cg.line("\tadd r0, r7, #%d", selfOffset)
	} else {
		cg.line("\tadd r0, r7, #%d", selfOffset)
	}
	return nil
}

func (cg *CodeGen) genZeroFill(reg string, size int) {
	limit := size
	if limit > 32 {
		limit = 32
	}
	if limit <= 0 {
		return
	}
	cg.line("\tmovs r1, #0")
	off := 0
	for ; off+4 <= limit; off += 4 {
		cg.line("\tstr r1, [%s, #%d]", reg, off)
	}
	if off < limit {
		cg.line("\tstrb r1, [%s, #%d]", reg, off)
	}
}

// ---------------------------------------------------------------------------
// Aggregate literals: heap-allocated via malloc (SPEC_FULL.md §4.4.2)
// ---------------------------------------------------------------------------

func (cg *CodeGen) genListLit(n *ListLit) error {
	count := len(n.Elements)
	totalSize := 8 + count*4
	cg.line("\tmovs r0, #%d", totalSize)
	cg.line("\tbl malloc")
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	cg.genIntConst(int64(count))
	cg.line("\tstr r0, [r4]")
	cg.line("\tstr r0, [r4, #4]")
	for i, el := range n.Elements {
		if err := cg.genExpr(el); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tstr r0, [r4, #%d]", 8+i*4)
	}
	cg.line("\tmov r0, r4")
	cg.line("\tpop {r4}")
	return nil
}

func (cg *CodeGen) genDictLit(n *DictLit) error {
	count := len(n.Entries)
	totalSize := 4 + count*8
	cg.line("\tmovs r0, #%d", totalSize)
	cg.line("\tbl malloc")
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	cg.genIntConst(int64(count))
	cg.line("\tstr r0, [r4]")
	for i, entry := range n.Entries {
		if err := cg.genExpr(entry.Key); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tstr r0, [r4, #%d]", 4+i*8)
		if err := cg.genExpr(entry.Value); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tstr r0, [r4, #%d]", 4+i*8+4)
	}
	cg.line("\tmov r0, r4")
	cg.line("\tpop {r4}")
	return nil
}

func (cg *CodeGen) genTupleLit(n *TupleLit) error {
	count := len(n.Elements)
	if count == 0 {
		cg.line("\tmovs r0, #0")
		return nil
	}
	cg.line("\tmovs r0, #%d", count*4)
	cg.line("\tbl malloc")
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	for i, el := range n.Elements {
		if err := cg.genExpr(el); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tstr r0, [r4, #%d]", i*4)
	}
	cg.line("\tmov r0, r4")
	cg.line("\tpop {r4}")
	return nil
}

func (cg *CodeGen) genStructInit(n *StructInit) error {
	cls, ok := cg.syms.GetClass(n.Name)
	if !ok {
		if u, ok := cg.syms.GetUnion(n.Name); ok {
			return cg.genUnionInit(n, u)
		}
		return &CodeGenError{Message: fmt.Sprintf("unknown struct/union %q", n.Name)}
	}
	cg.line("\tmovs r0, #%d", cls.Size)
	cg.line("\tbl malloc")
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	cg.genZeroFill("r4", cls.Size)
	for _, f := range n.Fields {
		field, ok := cls.FieldOffset(f.Name)
		if !ok {
			cg.line("\tpop {r4}")
			return &CodeGenError{Message: fmt.Sprintf("class %s has no field %q", cls.Name, f.Name)}
		}
		if err := cg.genExpr(f.Value); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\t%s r0, [r4, #%d]", storeOpFor(sizeOf(field.Type, cg.syms)), field.Offset)
	}
	cg.line("\tmov r0, r4")
	cg.line("\tpop {r4}")
	return nil
}

func (cg *CodeGen) genUnionInit(n *StructInit, u *UnionInfo) error {
	cg.line("\tmovs r0, #%d", u.Size)
	cg.line("\tbl malloc")
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	for _, f := range n.Fields {
		if err := cg.genExpr(f.Value); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tstr r0, [r4]")
	}
	cg.line("\tmov r0, r4")
	cg.line("\tpop {r4}")
	return nil
}

// genListComprehension supports only a range(...) iterable, preallocating a
// fixed 256-element backing store (the Open Question 5 decision: the store
// is never grown, and no bounds check is emitted, so a comprehension with
// more than 256 elements writes past the end of the buffer).
func (cg *CodeGen) genListComprehension(n *ListComprehension) error {
	call, ok := n.Iterable.(*CallExpr)
	if !ok {
		return &CodeGenError{Message: "list comprehension requires a range(...) iterable"}
	}
	fnName, ok := call.Func.(*Identifier)
	if !ok || fnName.Name != "range" {
		return &CodeGenError{Message: "list comprehension requires a range(...) iterable"}
	}
	const cap_ = 256
	cg.line("\tmovs r0, #%d", 8+cap_*4)
	cg.line("\tbl malloc")
	cg.line("\tpush {r4, r5, r6}")
	cg.line("\tmov r4, r0")
	cg.line("\tmovs r5, #0")

	cg.scope.EnterScope()
	loc := cg.scope.Allocate(n.Var, &NamedType{Name: "int32"}, 4, false, 0)

	start, end, step := rangeArgs(call.Args)
	if err := cg.genExpr(start); err != nil {
		cg.scope.ExitScope()
		return err
	}
	cg.line("\tmov r6, r0")
	startLabel := cg.newLabel("lcomp")
	endLabel := cg.newLabel("lcomp")
	cg.line("%s:", startLabel)
	if err := cg.genExpr(end); err != nil {
		cg.scope.ExitScope()
		return err
	}
	cg.line("\tcmp r6, r0")
	cg.line("\tbge %s", endLabel)
	cg.line("\tstr r6, [r7, #%d]", loc.Offset)

	emitElem := func() error {
		if n.Cond != nil {
			if err := cg.genExpr(n.Cond); err != nil {
				return err
			}
			skipLabel := cg.newLabel("lcomp")
			cg.line("\tcmp r0, #0")
			cg.line("\tbeq %s", skipLabel)
			if err := cg.genExpr(n.Elem); err != nil {
				return err
			}
			cg.storeCompElem()
			cg.line("%s:", skipLabel)
			return nil
		}
		if err := cg.genExpr(n.Elem); err != nil {
			return err
		}
		cg.storeCompElem()
		return nil
	}
	if err := emitElem(); err != nil {
		cg.scope.ExitScope()
		return err
	}

	contLabel := cg.newLabel("lcomp")
	cg.line("%s:", contLabel)
	if err := cg.genExpr(step); err != nil {
		cg.scope.ExitScope()
		return err
	}
	cg.line("\tadd r6, r6, r0")
	cg.line("\tb %s", startLabel)
	cg.line("%s:", endLabel)
	cg.scope.ExitScope()
	cg.line("\tstr r5, [r4]")
	cg.line("\tstr r5, [r4, #4]")
	cg.line("\tmov r0, r4")
	cg.line("\tpop {r4, r5, r6}")
	return nil
}

// storeCompElem writes r0 into the comprehension buffer at offset 8+r5*4
// (r4 = buffer base, r5 = running length) and bumps r5.
func (cg *CodeGen) storeCompElem() {
	cg.line("\tadd r1, r4, #8")
	cg.line("\tlsl r2, r5, #2")
	cg.line("\tadd r1, r1, r2")
	cg.line("\tstr r0, [r1]")
	cg.line("\tadds r5, r5, #1")
}

func rangeArgs(args []Expr) (start, end, step Expr) {
	switch len(args) {
	case 1:
		return &IntLiteral{Value: 0}, args[0], &IntLiteral{Value: 1}
	case 2:
		return args[0], args[1], &IntLiteral{Value: 1}
	default:
		return args[0], args[1], args[2]
	}
}

// ---------------------------------------------------------------------------
// print(...) and f-string lowering (SPEC_FULL.md §4.4.2, Open Question 1)
// ---------------------------------------------------------------------------

func (cg *CodeGen) genPrint(n *CallExpr) error {
	sep := " "
	end := "\n"
	if s, ok := n.Kwargs["sep"]; ok {
		if sl, ok := s.(*StringLiteral); ok {
			sep = sl.Value
		}
	}
	if e, ok := n.Kwargs["end"]; ok {
		if el, ok := e.(*StringLiteral); ok {
			end = el.Value
		}
	}
	for i, a := range n.Args {
		if i > 0 && sep != "" {
			cg.line("\tldr r0, =%s", cg.internString(sep))
			cg.line("\tbl print_str")
		}
		if err := cg.genPrintArg(a); err != nil {
			return err
		}
	}
	if end != "" {
		cg.line("\tldr r0, =%s", cg.internString(end))
		cg.line("\tbl print_str")
	}
	cg.line("\tmovs r0, #0")
	return nil
}

// genPrintArg lowers one bare print() argument by its static shape: string
// and f-string literals go straight to print_str (after f-string
// decomposition); everything else falls back to its resolved type, since an
// arbitrary expression's runtime shape is not generally known at this
// single-pass stage (Open Question 1's "assume int unless literal" rule).
func (cg *CodeGen) genPrintArg(a Expr) error {
	switch v := a.(type) {
	case *FStringLiteral:
		return cg.genPrintFString(v)
	case *StringLiteral:
		if err := cg.genExpr(a); err != nil {
			return err
		}
		cg.line("\tbl print_str")
		return nil
	case *CharLiteral:
		if err := cg.genExpr(a); err != nil {
			return err
		}
		cg.line("\tbl uart_putc")
		return nil
	case *BoolLiteral:
		name := "False"
		if v.Value {
			name = "True"
		}
		cg.line("\tldr r0, =%s", cg.internString(name))
		cg.line("\tbl print_str")
		return nil
	default:
		t := cg.exprType(a)
		if err := cg.genExpr(a); err != nil {
			return err
		}
		switch {
		case isBoolType(t):
			return cg.genPrintBoolValue()
		case isCharType(t):
			cg.line("\tbl uart_putc")
			return nil
		case isStrType(t):
			cg.line("\tbl print_str")
			return nil
		default:
			cg.line("\tbl print_int")
			return nil
		}
	}
}

func (cg *CodeGen) genPrintBoolValue() error {
	trueLabel := cg.internString("True")
	falseLabel := cg.internString("False")
	elseL := cg.newLabel("pbool")
	endL := cg.newLabel("pbool")
	cg.line("\tcmp r0, #0")
	cg.line("\tbeq %s", elseL)
	cg.line("\tldr r0, =%s", trueLabel)
	cg.line("\tb %s", endL)
	cg.line("%s:", elseL)
	cg.line("\tldr r0, =%s", falseLabel)
	cg.line("%s:", endL)
	cg.line("\tbl print_str")
	return nil
}

type fstringSegment struct {
	text   string
	isExpr bool
}

// splitFString decomposes a raw f-string body into alternating literal and
// interpolation segments; {{ and }} escape to literal braces.
func splitFString(raw string) []fstringSegment {
	var segs []fstringSegment
	var buf strings.Builder
	i := 0
	for i < len(raw) {
		c := raw[i]
		switch {
		case c == '{' && i+1 < len(raw) && raw[i+1] == '{':
			buf.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(raw) && raw[i+1] == '}':
			buf.WriteByte('}')
			i += 2
		case c == '{':
			if buf.Len() > 0 {
				segs = append(segs, fstringSegment{text: buf.String()})
				buf.Reset()
			}
			j := i + 1
			depth := 1
			for j < len(raw) && depth > 0 {
				if raw[j] == '{' {
					depth++
				}
				if raw[j] == '}' {
					depth--
					if depth == 0 {
						break
					}
				}
				j++
			}
			segs = append(segs, fstringSegment{text: raw[i+1 : j], isExpr: true})
			i = j + 1
		default:
			buf.WriteByte(c)
			i++
		}
	}
	if buf.Len() > 0 {
		segs = append(segs, fstringSegment{text: buf.String()})
	}
	return segs
}

func (cg *CodeGen) genPrintFString(f *FStringLiteral) error {
	for _, seg := range splitFString(f.Raw) {
		if !seg.isExpr {
			if seg.text == "" {
				continue
			}
			cg.line("\tldr r0, =%s", cg.internString(seg.text))
			cg.line("\tbl print_str")
			continue
		}
		tokens, err := NewLexer(seg.text, f.Span.File).Lex()
		if err != nil {
			return &CodeGenError{Message: fmt.Sprintf("invalid f-string expression %q: %v", seg.text, err)}
		}
		p := NewParser(tokens, f.Span.File)
		expr, err := p.parseExpr()
		if err != nil {
			return &CodeGenError{Message: fmt.Sprintf("invalid f-string expression %q: %v", seg.text, err)}
		}
		if err := cg.genPrintArg(expr); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Low-level built-ins: barriers, atomics, critical sections, bit ops, math
// (GLOSSARY / SPEC_FULL.md §4.4.2)
// ---------------------------------------------------------------------------

var bareInstr = map[string]string{
	"dmb": "dmb", "dsb": "dsb", "isb": "isb",
	"wfi": "wfi", "wfe": "wfe", "sev": "sev", "clrex": "clrex",
}

var mathRuntime = map[string]string{
	"isqrt": "isqrt", "abs_int": "abs_int", "pow_int": "pow_int",
	"min_int": "min_int", "max_int": "max_int", "clamp": "clamp",
	"sign": "sign", "gcd": "gcd", "lcm": "lcm", "sin_deg": "sin_deg",
	"cos_deg": "cos_deg", "tan_deg": "tan_deg", "rand": "rand",
	"rand_range": "rand_range", "srand": "srand", "distance": "distance",
}

var bitRuntime = map[string]string{
	"bit_set": "__pynux_bit_set", "bit_clear": "__pynux_bit_clear",
	"bit_test": "__pynux_bit_test", "bit_toggle": "__pynux_bit_toggle",
	"bits_get": "__pynux_bits_get", "bits_set": "__pynux_bits_set",
}

// genBuiltinCall intercepts an identifier-call before the generic call path
// runs, for every name the language reserves as a built-in. It returns
// handled=false for anything it doesn't recognize, so the caller falls
// through to a normal user/extern function call.
func (cg *CodeGen) genBuiltinCall(n *CallExpr, name string) (bool, error) {
	if instr, ok := bareInstr[name]; ok {
		cg.line("\t%s", instr)
		cg.line("\tmovs r0, #0")
		return true, nil
	}
	if rt, ok := mathRuntime[name]; ok {
		return true, cg.genArgsAndCall(rt, "", n.Args)
	}
	if rt, ok := bitRuntime[name]; ok {
		return true, cg.genArgsAndCall(rt, "", n.Args)
	}
	switch name {
	case "print":
		return true, cg.genPrint(n)
	case "len":
		return true, cg.genArgsAndCall("__pynux_strlen", "", n.Args)
	case "abs":
		return true, cg.genArgsAndCall("abs_int", "", n.Args)
	case "min":
		return true, cg.genArgsAndCall("min_int", "", n.Args)
	case "max":
		return true, cg.genArgsAndCall("max_int", "", n.Args)
	case "ord", "chr":
		if len(n.Args) != 1 {
			return true, &CodeGenError{Message: fmt.Sprintf("%s takes exactly 1 argument", name)}
		}
		return true, cg.genExpr(n.Args[0])
	case "uart_getc", "malloc", "memset", "memcpy", "uart_putc", "print_str", "print_int", "rand_seed":
		return true, cg.genArgsAndCall(name, "", n.Args)
	case "atomic_load":
		return true, cg.genAtomicLoad(n)
	case "atomic_store":
		return true, cg.genAtomicStore(n)
	case "atomic_add", "atomic_sub", "atomic_or", "atomic_and", "atomic_xor":
		return true, cg.genAtomicRMW(n, name)
	case "atomic_cmpxchg":
		return true, cg.genAtomicCmpxchg(n)
	case "critical_enter":
		cg.line("\tmrs r0, primask")
		cg.line("\tcpsid i")
		return true, nil
	case "critical_exit":
		if len(n.Args) != 1 {
			return true, &CodeGenError{Message: "critical_exit takes exactly 1 argument"}
		}
		if err := cg.genExpr(n.Args[0]); err != nil {
			return true, err
		}
		cg.line("\tmsr primask, r0")
		return true, nil
	case "clz", "rbit", "rev", "rev16":
		if len(n.Args) != 1 {
			return true, &CodeGenError{Message: fmt.Sprintf("%s takes exactly 1 argument", name)}
		}
		if err := cg.genExpr(n.Args[0]); err != nil {
			return true, err
		}
		cg.line("\t%s r0, r0", name)
		return true, nil
	case "range":
		return true, &CodeGenError{Message: "range(...) is only valid as a for-loop or comprehension iterable"}
	}
	return false, nil
}

func (cg *CodeGen) genAtomicLoad(n *CallExpr) error {
	if len(n.Args) != 1 {
		return &CodeGenError{Message: "atomic_load takes exactly 1 argument"}
	}
	if err := cg.genExpr(n.Args[0]); err != nil {
		return err
	}
	cg.line("\tldrex r0, [r0]")
	return nil
}

func (cg *CodeGen) genAtomicStore(n *CallExpr) error {
	if len(n.Args) != 2 {
		return &CodeGenError{Message: "atomic_store takes exactly 2 arguments"}
	}
	if err := cg.genExpr(n.Args[0]); err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	if err := cg.genExpr(n.Args[1]); err != nil {
		return err
	}
	cg.line("\tpop {r4}")
	retry := cg.newLabel("atomic")
	cg.line("%s:", retry)
	cg.line("\tldrex r1, [r4]")
	cg.line("\tstrex r1, r0, [r4]")
	cg.line("\tcmp r1, #0")
	cg.line("\tbne %s", retry)
	return nil
}

func (cg *CodeGen) genAtomicRMW(n *CallExpr, op string) error {
	if len(n.Args) != 2 {
		return &CodeGenError{Message: fmt.Sprintf("%s takes exactly 2 arguments", op)}
	}
	if err := cg.genExpr(n.Args[0]); err != nil {
		return err
	}
	cg.line("\tmov r4, r0")
	if err := cg.genExpr(n.Args[1]); err != nil {
		return err
	}
	cg.line("\tmov r5, r0")
	retry := cg.newLabel("atomic")
	cg.line("%s:", retry)
	cg.line("\tldrex r0, [r4]")
	switch op {
	case "atomic_add":
		cg.line("\tadd r1, r0, r5")
	case "atomic_sub":
		cg.line("\tsub r1, r0, r5")
	case "atomic_or":
		cg.line("\torr r1, r0, r5")
	case "atomic_and":
		cg.line("\tand r1, r0, r5")
	case "atomic_xor":
		cg.line("\teor r1, r0, r5")
	}
	cg.line("\tstrex r2, r1, [r4]")
	cg.line("\tcmp r2, #0")
	cg.line("\tbne %s", retry)
	return nil
}

func (cg *CodeGen) genAtomicCmpxchg(n *CallExpr) error {
	if len(n.Args) != 3 {
		return &CodeGenError{Message: "atomic_cmpxchg takes exactly 3 arguments"}
	}
	if err := cg.genExpr(n.Args[0]); err != nil {
		return err
	}
	cg.line("\tmov r4, r0")
	if err := cg.genExpr(n.Args[1]); err != nil {
		return err
	}
	cg.line("\tmov r5, r0")
	if err := cg.genExpr(n.Args[2]); err != nil {
		return err
	}
	cg.line("\tmov r6, r0")
	failLabel := cg.newLabel("cas")
	doneLabel := cg.newLabel("cas")
	cg.line("\tldrex r0, [r4]")
	cg.line("\tcmp r0, r5")
	cg.line("\tbne %s", failLabel)
	cg.line("\tstrex r1, r6, [r4]")
	cg.line("\tcmp r1, #0")
	cg.line("\tbne %s", failLabel)
	cg.line("\tmovs r0, #1")
	cg.line("\tb %s", doneLabel)
	cg.line("%s:", failLabel)
	cg.line("\tclrex")
	cg.line("\tmovs r0, #0")
	cg.line("%s:", doneLabel)
	return nil
}

// ---------------------------------------------------------------------------
// Statement lowering (SPEC_FULL.md §4.4.3)
// ---------------------------------------------------------------------------

func (cg *CodeGen) genStmt(s Stmt) error {
	switch n := s.(type) {
	case *VarDeclStmt:
		return cg.genVarDecl(n)
	case *AssignmentStmt:
		return cg.genAssignment(n)
	case *TupleUnpackAssignStmt:
		return cg.genTupleUnpackAssign(n)
	case *ExprStmt:
		return cg.genExpr(n.X)
	case *ReturnStmt:
		return cg.genReturn(n)
	case *IfStmt:
		return cg.genIf(n)
	case *WhileStmt:
		return cg.genWhile(n)
	case *ForStmt:
		return cg.genFor(n)
	case *ForUnpackStmt:
		return cg.genForUnpack(n)
	case *BreakStmt:
		if len(cg.scope.LoopStack) == 0 {
			return &CodeGenError{Message: "break statement outside of loop"}
		}
		cg.line("\tb %s", cg.scope.LoopStack[len(cg.scope.LoopStack)-1].BreakLabel)
		return nil
	case *ContinueStmt:
		if len(cg.scope.LoopStack) == 0 {
			return &CodeGenError{Message: "continue statement outside of loop"}
		}
		cg.line("\tb %s", cg.scope.LoopStack[len(cg.scope.LoopStack)-1].ContinueLabel)
		return nil
	case *PassStmt:
		return nil
	case *DeferStmt:
		cg.scope.DeferStack = append(cg.scope.DeferStack, n.Call)
		return nil
	case *AssertStmt:
		return cg.genAssert(n)
	case *GlobalStmt:
		for _, name := range n.Names {
			cg.scope.Globals[name] = true
		}
		return nil
	case *TryStmt:
		return cg.genTry(n)
	case *RaiseStmt:
		return cg.genRaise(n)
	case *YieldStmt:
		return cg.genYield(n)
	case *WithStmt:
		return cg.genWith(n)
	case *MatchStmt:
		return cg.genMatch(n)
	default:
		return &CodeGenError{Message: fmt.Sprintf("unsupported statement %T", s)}
	}
}

func (cg *CodeGen) genBlock(stmts []Stmt) error {
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	for _, s := range stmts {
		if err := cg.genStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (cg *CodeGen) genVarDecl(n *VarDeclStmt) error {
	t := n.Type
	if t == nil {
		t = &NamedType{Name: "int32"}
	}
	isArray := false
	elemSz := 0
	if at, ok := t.(*ArrayType); ok {
		isArray = true
		elemSz = sizeOf(at.Element, cg.syms)
	}
	size := sizeOf(t, cg.syms)
	loc := cg.scope.Allocate(n.Name, t, size, isArray, elemSz)
	if n.Value != nil {
		if err := cg.genExpr(n.Value); err != nil {
			return err
		}
		cg.line("\t%s r0, [r7, #%d]", storeOpFor(size), loc.Offset)
	}
	return nil
}

// genStore writes r0 into target's storage: a plain local/global identifier
// resolves directly; anything else computes its address (the value being
// stored is parked in r4 first, since genAddress also uses r0).
func (cg *CodeGen) genStore(target Expr, t Type) error {
	if id, ok := target.(*Identifier); ok {
		if loc, ok := cg.scope.Lookup(id.Name); ok && !cg.scope.Globals[id.Name] {
			cg.line("\t%s r0, [r7, #%d]", storeOpFor(sizeOf(t, cg.syms)), loc.Offset)
			return nil
		}
		if g, ok := cg.syms.Globals[id.Name]; ok {
			cg.line("\tmov r4, r0")
			cg.line("\tldr r1, =%s", g.Label)
			cg.line("\t%s r4, [r1]", storeOpFor(sizeOf(t, cg.syms)))
			return nil
		}
		return &CodeGenError{Message: fmt.Sprintf("undefined identifier %q", id.Name)}
	}
	cg.line("\tmov r4, r0")
	if err := cg.genAddress(target); err != nil {
		return err
	}
	cg.line("\t%s r4, [r0]", storeOpFor(sizeOf(t, cg.syms)))
	return nil
}

// genAssignment implements plain and compound assignment. A compound op
// re-reads the current value through the SAME address computation used to
// store the result — computed once, held across the RHS evaluation — rather
// than re-evaluating the target expression twice (the Supplemented
// features note on augmented-assignment re-read semantics).
func (cg *CodeGen) genAssignment(n *AssignmentStmt) error {
	if id, ok := n.Target.(*Identifier); ok {
		_, isLocal := cg.scope.Lookup(id.Name)
		_, isGlobal := cg.syms.Globals[id.Name]
		if !isLocal && !isGlobal && !cg.scope.Globals[id.Name] {
			t := cg.exprType(n.Value)
			size := sizeOf(t, cg.syms)
			cg.scope.Allocate(id.Name, t, size, false, 0)
		}
	}
	lhsType := cg.exprType(n.Target)

	if n.Op == OpAssign {
		if err := cg.genExpr(n.Value); err != nil {
			return err
		}
		return cg.genStore(n.Target, lhsType)
	}

	if err := cg.genAddress(n.Target); err != nil {
		return err
	}
	cg.line("\tpush {r0}")
	cg.line("\t%s r1, [r0]", loadOpFor(sizeOf(lhsType, cg.syms), isSignedType(lhsType)))
	cg.line("\tpush {r1}")
	if err := cg.genExpr(n.Value); err != nil {
		return err
	}
	cg.line("\tpop {r1}")
	switch n.Op {
	case OpAddAssign:
		cg.line("\tadd r0, r1, r0")
	case OpSubAssign:
		cg.line("\tsub r0, r1, r0")
	case OpMulAssign:
		cg.line("\tmul r0, r1, r0")
	case OpDivAssign:
		cg.line("\tmov r2, r0")
		cg.line("\tmov r0, r1")
		cg.line("\tmov r1, r2")
		cg.line("\tbl __aeabi_idiv")
	case OpModAssign:
		cg.line("\tmov r2, r0")
		cg.line("\tmov r0, r1")
		cg.line("\tmov r1, r2")
		cg.line("\tbl __aeabi_idivmod")
		cg.line("\tmov r0, r1")
	case OpAndAssign:
		cg.line("\tand r0, r1, r0")
	case OpOrAssign:
		cg.line("\torr r0, r1, r0")
	case OpXorAssign:
		cg.line("\teor r0, r1, r0")
	case OpShlAssign:
		cg.line("\tlsl r0, r1, r0")
	case OpShrAssign:
		cg.line("\tasr r0, r1, r0")
	}
	cg.line("\tpop {r1}")
	cg.line("\t%s r0, [r1]", storeOpFor(sizeOf(lhsType, cg.syms)))
	return nil
}

func (cg *CodeGen) genTupleUnpackAssign(n *TupleUnpackAssignStmt) error {
	if tl, ok := n.Value.(*TupleLit); ok {
		for i, target := range n.Targets {
			if i >= len(tl.Elements) {
				break
			}
			if err := cg.genExpr(tl.Elements[i]); err != nil {
				return err
			}
			if err := cg.genStore(target, cg.exprType(target)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := cg.genExpr(n.Value); err != nil {
		return err
	}
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	for i, target := range n.Targets {
		cg.line("\tldr r0, [r4, #%d]", i*4)
		if err := cg.genStore(target, cg.exprType(target)); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
	}
	cg.line("\tpop {r4}")
	return nil
}

func (cg *CodeGen) genReturn(n *ReturnStmt) error {
	if n.Value != nil {
		if err := cg.genExpr(n.Value); err != nil {
			return err
		}
		cg.line("\tpush {r0}")
		if err := cg.runDefers(); err != nil {
			return err
		}
		cg.line("\tpop {r0}")
	} else if err := cg.runDefers(); err != nil {
		return err
	}
	cg.emitEpilogue()
	return nil
}

func (cg *CodeGen) genIf(n *IfStmt) error {
	endLabel := cg.newLabel("endif")
	if err := cg.genIfBranch(n.Cond, n.Then, n.Elifs, n.Else, endLabel); err != nil {
		return err
	}
	cg.line("%s:", endLabel)
	return nil
}

func (cg *CodeGen) genIfBranch(cond Expr, then []Stmt, elifs []ElifClause, els []Stmt, endLabel string) error {
	nextLabel := cg.newLabel("else")
	if err := cg.genExpr(cond); err != nil {
		return err
	}
	cg.line("\tcmp r0, #0")
	cg.line("\tbeq %s", nextLabel)
	if err := cg.genBlock(then); err != nil {
		return err
	}
	cg.line("\tb %s", endLabel)
	cg.line("%s:", nextLabel)
	if len(elifs) > 0 {
		return cg.genIfBranch(elifs[0].Cond, elifs[0].Body, elifs[1:], els, endLabel)
	}
	if els != nil {
		return cg.genBlock(els)
	}
	return nil
}

func (cg *CodeGen) genWhile(n *WhileStmt) error {
	startLabel := cg.newLabel("while")
	endLabel := cg.newLabel("while")
	cg.scope.LoopStack = append(cg.scope.LoopStack, LoopLabels{ContinueLabel: startLabel, BreakLabel: endLabel})
	cg.line("%s:", startLabel)
	if err := cg.genExpr(n.Cond); err != nil {
		return err
	}
	cg.line("\tcmp r0, #0")
	cg.line("\tbeq %s", endLabel)
	if err := cg.genBlock(n.Body); err != nil {
		return err
	}
	cg.line("\tb %s", startLabel)
	cg.line("%s:", endLabel)
	cg.scope.LoopStack = cg.scope.LoopStack[:len(cg.scope.LoopStack)-1]
	return nil
}

// genFor only supports a range(...) iterable: desugars into three locals
// (the loop variable, `_end_<var>`, `_step_<var>`), per SPEC_FULL.md §4.4.3.
func (cg *CodeGen) genFor(n *ForStmt) error {
	call, ok := n.Iterable.(*CallExpr)
	if !ok {
		return &CodeGenError{Message: "for loop requires a range(...) iterable"}
	}
	id, ok := call.Func.(*Identifier)
	if !ok || id.Name != "range" {
		return &CodeGenError{Message: "for loop requires a range(...) iterable"}
	}
	return cg.genRangeFor(n, call.Args)
}

func (cg *CodeGen) genRangeFor(n *ForStmt, args []Expr) error {
	start, end, step := rangeArgs(args)
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	iLoc := cg.scope.Allocate(n.Var, &NamedType{Name: "int32"}, 4, false, 0)
	endLoc := cg.scope.Allocate("_end_"+n.Var, &NamedType{Name: "int32"}, 4, false, 0)
	stepLoc := cg.scope.Allocate("_step_"+n.Var, &NamedType{Name: "int32"}, 4, false, 0)

	if err := cg.genExpr(start); err != nil {
		return err
	}
	cg.line("\tstr r0, [r7, #%d]", iLoc.Offset)
	if err := cg.genExpr(end); err != nil {
		return err
	}
	cg.line("\tstr r0, [r7, #%d]", endLoc.Offset)
	if err := cg.genExpr(step); err != nil {
		return err
	}
	cg.line("\tstr r0, [r7, #%d]", stepLoc.Offset)

	startLabel := cg.newLabel("for")
	contLabel := cg.newLabel("for")
	endLabel := cg.newLabel("for")
	cg.scope.LoopStack = append(cg.scope.LoopStack, LoopLabels{ContinueLabel: contLabel, BreakLabel: endLabel})

	cg.line("%s:", startLabel)
	cg.line("\tldr r0, [r7, #%d]", iLoc.Offset)
	cg.line("\tldr r1, [r7, #%d]", endLoc.Offset)
	cg.line("\tcmp r0, r1")
	cg.line("\tbge %s", endLabel)
	if err := cg.genBlock(n.Body); err != nil {
		return err
	}
	cg.line("%s:", contLabel)
	cg.line("\tldr r0, [r7, #%d]", iLoc.Offset)
	cg.line("\tldr r1, [r7, #%d]", stepLoc.Offset)
	cg.line("\tadd r0, r0, r1")
	cg.line("\tstr r0, [r7, #%d]", iLoc.Offset)
	cg.line("\tb %s", startLabel)
	cg.line("%s:", endLabel)
	cg.scope.LoopStack = cg.scope.LoopStack[:len(cg.scope.LoopStack)-1]
	return nil
}

// genForUnpack handles `for a, b in enumerate(x)`, `for a, b in zip(x, y)`,
// and generic tuple-destructuring iteration, per SPEC_FULL.md §4.4.3.
func (cg *CodeGen) genForUnpack(n *ForUnpackStmt) error {
	if call, ok := n.Iterable.(*CallExpr); ok {
		if id, ok := call.Func.(*Identifier); ok {
			switch id.Name {
			case "enumerate":
				return cg.genEnumerateFor(n, call.Args)
			case "zip":
				return cg.genZipFor(n, call.Args)
			}
		}
	}
	return cg.genGenericUnpackFor(n)
}

func (cg *CodeGen) genEnumerateFor(n *ForUnpackStmt, args []Expr) error {
	if len(n.Vars) != 2 || len(args) != 1 {
		return &CodeGenError{Message: "enumerate(...) requires one iterable and exactly two loop variables"}
	}
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	idxLoc := cg.scope.Allocate(n.Vars[0], &NamedType{Name: "int32"}, 4, false, 0)
	valLoc := cg.scope.Allocate(n.Vars[1], &NamedType{Name: "int32"}, 4, false, 0)
	listLoc := cg.scope.Allocate("_list_"+n.Vars[0], &NamedType{Name: "int32"}, 4, false, 0)

	if err := cg.genExpr(args[0]); err != nil {
		return err
	}
	cg.line("\tstr r0, [r7, #%d]", listLoc.Offset)
	cg.line("\tmovs r0, #0")
	cg.line("\tstr r0, [r7, #%d]", idxLoc.Offset)

	startLabel := cg.newLabel("enum")
	contLabel := cg.newLabel("enum")
	endLabel := cg.newLabel("enum")
	cg.scope.LoopStack = append(cg.scope.LoopStack, LoopLabels{ContinueLabel: contLabel, BreakLabel: endLabel})

	cg.line("%s:", startLabel)
	cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tldr r1, [r7, #%d]", listLoc.Offset)
	cg.line("\tldr r1, [r1]")
	cg.line("\tcmp r0, r1")
	cg.line("\tbge %s", endLabel)
	cg.line("\tldr r1, [r7, #%d]", listLoc.Offset)
	cg.line("\tadd r1, r1, #8")
	cg.line("\tlsl r2, r0, #2")
	cg.line("\tadd r1, r1, r2")
	cg.line("\tldr r0, [r1]")
	cg.line("\tstr r0, [r7, #%d]", valLoc.Offset)
	if err := cg.genBlock(n.Body); err != nil {
		return err
	}
	cg.line("%s:", contLabel)
	cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tadds r0, r0, #1")
	cg.line("\tstr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tb %s", startLabel)
	cg.line("%s:", endLabel)
	cg.scope.LoopStack = cg.scope.LoopStack[:len(cg.scope.LoopStack)-1]
	return nil
}

func (cg *CodeGen) genZipFor(n *ForUnpackStmt, args []Expr) error {
	if len(n.Vars) != len(args) {
		return &CodeGenError{Message: "zip(...) requires one loop variable per iterable"}
	}
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	idxLoc := cg.scope.Allocate("_zip_i", &NamedType{Name: "int32"}, 4, false, 0)
	var listLocs []*Local
	for i, a := range args {
		loc := cg.scope.Allocate(fmt.Sprintf("_zip_list_%d", i), &NamedType{Name: "int32"}, 4, false, 0)
		if err := cg.genExpr(a); err != nil {
			return err
		}
		cg.line("\tstr r0, [r7, #%d]", loc.Offset)
		listLocs = append(listLocs, loc)
	}
	var varLocs []*Local
	for _, v := range n.Vars {
		varLocs = append(varLocs, cg.scope.Allocate(v, &NamedType{Name: "int32"}, 4, false, 0))
	}
	minLoc := cg.scope.Allocate("_zip_min", &NamedType{Name: "int32"}, 4, false, 0)
	cg.line("\tldr r0, [r7, #%d]", listLocs[0].Offset)
	cg.line("\tldr r0, [r0]")
	cg.line("\tstr r0, [r7, #%d]", minLoc.Offset)
	for _, loc := range listLocs[1:] {
		skip := cg.newLabel("zipmin")
		cg.line("\tldr r0, [r7, #%d]", loc.Offset)
		cg.line("\tldr r0, [r0]")
		cg.line("\tldr r1, [r7, #%d]", minLoc.Offset)
		cg.line("\tcmp r0, r1")
		cg.line("\tbge %s", skip)
		cg.line("\tstr r0, [r7, #%d]", minLoc.Offset)
		cg.line("%s:", skip)
	}
	cg.line("\tmovs r0, #0")
	cg.line("\tstr r0, [r7, #%d]", idxLoc.Offset)

	startLabel := cg.newLabel("zip")
	contLabel := cg.newLabel("zip")
	endLabel := cg.newLabel("zip")
	cg.scope.LoopStack = append(cg.scope.LoopStack, LoopLabels{ContinueLabel: contLabel, BreakLabel: endLabel})
	cg.line("%s:", startLabel)
	cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tldr r1, [r7, #%d]", minLoc.Offset)
	cg.line("\tcmp r0, r1")
	cg.line("\tbge %s", endLabel)
	for i, loc := range listLocs {
		cg.line("\tldr r1, [r7, #%d]", loc.Offset)
		cg.line("\tadd r1, r1, #8")
		cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
		cg.line("\tlsl r0, r0, #2")
		cg.line("\tadd r1, r1, r0")
		cg.line("\tldr r0, [r1]")
		cg.line("\tstr r0, [r7, #%d]", varLocs[i].Offset)
	}
	if err := cg.genBlock(n.Body); err != nil {
		return err
	}
	cg.line("%s:", contLabel)
	cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tadds r0, r0, #1")
	cg.line("\tstr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tb %s", startLabel)
	cg.line("%s:", endLabel)
	cg.scope.LoopStack = cg.scope.LoopStack[:len(cg.scope.LoopStack)-1]
	return nil
}

// genGenericUnpackFor iterates a [len, cap, elem0, elem1, ...] list value,
// binding the loop variables to consecutive list slots starting at the
// current element.
func (cg *CodeGen) genGenericUnpackFor(n *ForUnpackStmt) error {
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	listLoc := cg.scope.Allocate("_unpack_list", &NamedType{Name: "int32"}, 4, false, 0)
	idxLoc := cg.scope.Allocate("_unpack_i", &NamedType{Name: "int32"}, 4, false, 0)
	var varLocs []*Local
	for _, v := range n.Vars {
		varLocs = append(varLocs, cg.scope.Allocate(v, &NamedType{Name: "int32"}, 4, false, 0))
	}
	if err := cg.genExpr(n.Iterable); err != nil {
		return err
	}
	cg.line("\tstr r0, [r7, #%d]", listLoc.Offset)
	cg.line("\tmovs r0, #0")
	cg.line("\tstr r0, [r7, #%d]", idxLoc.Offset)

	startLabel := cg.newLabel("unpack")
	contLabel := cg.newLabel("unpack")
	endLabel := cg.newLabel("unpack")
	cg.scope.LoopStack = append(cg.scope.LoopStack, LoopLabels{ContinueLabel: contLabel, BreakLabel: endLabel})
	cg.line("%s:", startLabel)
	cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tldr r1, [r7, #%d]", listLoc.Offset)
	cg.line("\tldr r1, [r1]")
	cg.line("\tcmp r0, r1")
	cg.line("\tbge %s", endLabel)
	cg.line("\tldr r1, [r7, #%d]", listLoc.Offset)
	cg.line("\tadd r1, r1, #8")
	cg.line("\tlsl r2, r0, #2")
	cg.line("\tadd r1, r1, r2")
	for i, loc := range varLocs {
		cg.line("\tldr r0, [r1, #%d]", i*4)
		cg.line("\tstr r0, [r7, #%d]", loc.Offset)
	}
	if err := cg.genBlock(n.Body); err != nil {
		return err
	}
	cg.line("%s:", contLabel)
	cg.line("\tldr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tadds r0, r0, #1")
	cg.line("\tstr r0, [r7, #%d]", idxLoc.Offset)
	cg.line("\tb %s", startLabel)
	cg.line("%s:", endLabel)
	cg.scope.LoopStack = cg.scope.LoopStack[:len(cg.scope.LoopStack)-1]
	return nil
}

func (cg *CodeGen) genAssert(n *AssertStmt) error {
	okLabel := cg.newLabel("assert")
	if err := cg.genExpr(n.Cond); err != nil {
		return err
	}
	cg.line("\tcmp r0, #0")
	cg.line("\tbne %s", okLabel)
	if n.Msg != nil {
		if err := cg.genExpr(n.Msg); err != nil {
			return err
		}
		cg.line("\tbl __pynux_assert_fail_msg")
	} else {
		cg.line("\tbl __pynux_assert_fail")
	}
	cg.line("%s:", okLabel)
	return nil
}

func (cg *CodeGen) genRaise(n *RaiseStmt) error {
	if n.X == nil {
		cg.line("\tbl __pynux_reraise")
	} else {
		if err := cg.genExpr(n.X); err != nil {
			return err
		}
		cg.line("\tbl __pynux_raise")
	}
	if flagLoc, ok := cg.scope.Lookup("_error_flag"); ok {
		cg.line("\tmovs r0, #1")
		cg.line("\tstr r0, [r7, #%d]", flagLoc.Offset)
	}
	return nil
}

// genYield implements the language's single-resume-point generator model
// (§9 Design Notes): the yielded value and a resumption flag live in two
// fixed globals, and yielding is otherwise an ordinary function return.
func (cg *CodeGen) genYield(n *YieldStmt) error {
	if n.X != nil {
		if err := cg.genExpr(n.X); err != nil {
			return err
		}
	} else {
		cg.line("\tmovs r0, #0")
	}
	cg.line("\tldr r1, =__generator_value")
	cg.line("\tstr r0, [r1]")
	cg.line("\tldr r1, =__generator_state")
	cg.line("\tmovs r0, #1")
	cg.line("\tstr r0, [r1]")
	return cg.genReturn(&ReturnStmt{Span: n.Span})
}

// genWith opens each context manager in turn (calling the class's __enter__
// if it declares one, else the generic __pynux_context_enter runtime hook),
// binds it if named, runs the body, then closes them in reverse order.
func (cg *CodeGen) genWith(n *WithStmt) error {
	type openItem struct {
		reg   string
		cname string
	}
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	var opened []openItem
	for i, item := range n.Items {
		if 8+i > 11 {
			return &CodeGenError{Message: "too many nested with-items for available scratch registers"}
		}
		if err := cg.genExpr(item.Context); err != nil {
			return err
		}
		reg := fmt.Sprintf("r%d", 8+i)
		cg.line("\tmov %s, r0", reg)
		cname := className(cg.exprType(item.Context))
		cg.line("\tmov r0, %s", reg)
		if _, ok := cg.syms.GetClass(cname); ok {
			cg.line("\tbl %s___enter__", cname)
		} else {
			cg.line("\tbl __pynux_context_enter")
		}
		if item.BindName != "" {
			loc := cg.scope.Allocate(item.BindName, &NamedType{Name: "int32"}, 4, false, 0)
			cg.line("\tstr r0, [r7, #%d]", loc.Offset)
		}
		opened = append(opened, openItem{reg: reg, cname: cname})
	}
	if err := cg.genBlock(n.Body); err != nil {
		return err
	}
	for i := len(opened) - 1; i >= 0; i-- {
		cg.line("\tmov r0, %s", opened[i].reg)
		if _, ok := cg.syms.GetClass(opened[i].cname); ok {
			cg.line("\tbl %s___exit__", opened[i].cname)
		} else {
			cg.line("\tbl __pynux_context_exit")
		}
	}
	return nil
}

// genMatch keeps the matched value on the stack (in r4) across every arm;
// patterns bind by positional slot at offset (j+1)*4 from its address, per
// SPEC_FULL.md §4.4.3.
func (cg *CodeGen) genMatch(n *MatchStmt) error {
	if err := cg.genExpr(n.X); err != nil {
		return err
	}
	cg.line("\tpush {r4}")
	cg.line("\tmov r4, r0")
	endLabel := cg.newLabel("match")
	for _, arm := range n.Arms {
		nextLabel := cg.newLabel("match")
		if arm.Pattern == "_" {
			if err := cg.genMatchArmBody(arm); err != nil {
				cg.line("\tpop {r4}")
				return err
			}
			cg.line("\tb %s", endLabel)
			cg.line("%s:", nextLabel)
			continue
		}
		cg.line("\tldr r0, [r4]")
		cg.line("\tcmp r0, #%d", cg.variantID(arm.Pattern))
		cg.line("\tbne %s", nextLabel)
		if err := cg.genMatchArmBody(arm); err != nil {
			cg.line("\tpop {r4}")
			return err
		}
		cg.line("\tb %s", endLabel)
		cg.line("%s:", nextLabel)
	}
	cg.line("%s:", endLabel)
	cg.line("\tpop {r4}")
	return nil
}

func (cg *CodeGen) genMatchArmBody(arm MatchArm) error {
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	for j, name := range arm.Bindings {
		loc := cg.scope.Allocate(name, &NamedType{Name: "int32"}, 4, false, 0)
		cg.line("\tldr r0, [r4, #%d]", (j+1)*4)
		cg.line("\tstr r0, [r7, #%d]", loc.Offset)
	}
	for _, s := range arm.Body {
		if err := cg.genStmt(s); err != nil {
			return err
		}
	}
	return nil
}

// genTry implements exception handling via a local `_error_flag` rather
// than unwinding: the body runs to completion regardless, a raise inside it
// sets the flag, and only after the body returns does control
// branch to the (single, first) handler, else-clause, or finally-clause —
// the Open Question 3 decision.
func (cg *CodeGen) genTry(n *TryStmt) error {
	cg.scope.EnterScope()
	defer cg.scope.ExitScope()
	flagLoc := cg.scope.Allocate("_error_flag", &NamedType{Name: "int32"}, 4, false, 0)
	cg.line("\tmovs r0, #0")
	cg.line("\tstr r0, [r7, #%d]", flagLoc.Offset)

	if err := cg.genBlock(n.Body); err != nil {
		return err
	}

	handledLabel := cg.newLabel("try")
	afterLabel := cg.newLabel("try")
	cg.line("\tldr r0, [r7, #%d]", flagLoc.Offset)
	cg.line("\tcmp r0, #0")
	cg.line("\tbeq %s", handledLabel)

	if len(n.Handlers) > 0 {
		h := n.Handlers[0]
		cg.scope.EnterScope()
		if h.BindName != "" {
			bindLoc := cg.scope.Allocate(h.BindName, &NamedType{Name: "int32"}, 4, false, 0)
			cg.line("\tldr r0, =__pynux_current_exception")
			cg.line("\tldr r0, [r0]")
			cg.line("\tstr r0, [r7, #%d]", bindLoc.Offset)
		}
		for _, s := range h.Body {
			if err := cg.genStmt(s); err != nil {
				cg.scope.ExitScope()
				return err
			}
		}
		cg.scope.ExitScope()
	}
	cg.line("\tb %s", afterLabel)
	cg.line("%s:", handledLabel)
	if n.Else != nil {
		if err := cg.genBlock(n.Else); err != nil {
			return err
		}
	}
	cg.line("%s:", afterLabel)
	if n.Finally != nil {
		if err := cg.genBlock(n.Finally); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// .data / .rodata emission (SPEC_FULL.md §4.4.5)
// ---------------------------------------------------------------------------

func (cg *CodeGen) emitDataSection(program *Program) {
	cg.line("")
	cg.line("\t.data")
	cg.line("\t.align 2")
	var names []string
	for name := range cg.syms.Globals {
		names = append(names, name)
	}
	sort.Strings(names)

	initExprs := map[string]Expr{}
	for _, decl := range program.Declarations {
		if vd, ok := decl.(*VarDeclStmt); ok {
			initExprs[vd.Name] = vd.Value
		}
	}

	for _, name := range names {
		g := cg.syms.Globals[name]
		cg.line("%s:", g.Label)
		size := sizeOf(g.Type, cg.syms)
		init := initExprs[name]
		switch v := init.(type) {
		case nil:
			cg.line("\t.space %d", align4(size))
		case *IntLiteral:
			cg.line("\t.word %d", v.Value)
		case *BoolLiteral:
			if v.Value {
				cg.line("\t.word 1")
			} else {
				cg.line("\t.word 0")
			}
		case *CharLiteral:
			cg.line("\t.word %d", v.Value)
		case *FloatLiteral:
			cg.line("\t.word 0x%08x", math.Float32bits(float32(v.Value)))
		case *UnaryExpr:
			if v.Op == UnaryNeg {
				if lit, ok := v.X.(*IntLiteral); ok {
					cg.line("\t.word %d", -lit.Value)
					continue
				}
			}
			cg.line("\t.space %d", align4(size))
		default:
			cg.line("\t.space %d", align4(size))
		}
	}
}

func (cg *CodeGen) emitRodataSection() {
	if len(cg.stringOrder) == 0 {
		return
	}
	cg.line("")
	cg.line("\t.rodata")
	for _, s := range cg.stringOrder {
		cg.line("%s:", cg.stringPool[s])
		cg.line("\t.asciz \"%s\"", escapeOctal(s))
	}
}

func escapeOctal(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
