package sandbox

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/constant"
	"go/token"
	"math"
	"reflect"
	"strings"
)

const (
	// MaxAllocation bounds the bytes a single allocation in a rule may request.
	MaxAllocation = 16 << 20
	// MaxRuleSize bounds the length of rule source.
	MaxRuleSize = 64 << 10
)

// regexpReplacers are the regexp methods whose output is not bounded by their input.
var regexpReplacers = map[string]bool{
	"ReplaceAll": true, "ReplaceAllString": true, "ReplaceAllFunc": true, "ReplaceAllStringFunc": true,
	"ReplaceAllLiteral": true, "ReplaceAllLiteralString": true, "Expand": true, "ExpandString": true,
}

// checkAllocations rejects allocations whose size cannot be bounded from the source:
// make with a computed size, arrays larger than MaxAllocation, oversized literal
// indexes and regexp replacement.
func checkAllocations(root ast.Node) error {
	types := localTypes(root)
	var err error
	ast.Inspect(root, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.ArrayType:
			if x.Len == nil {
				break
			}
			if _, ok := x.Len.(*ast.Ellipsis); ok {
				break
			}
			if size, ok := typeSize(x, types, 0); !ok || size > MaxAllocation {
				err = allocationError("array type")
			}
		case *ast.CallExpr:
			err = checkAllocatingCall(x, types)
		case *ast.CompositeLit:
			err = checkLiteralIndexes(x, types)
		}
		return true
	})
	return err
}

func checkAllocatingCall(call *ast.CallExpr, types map[string]ast.Expr) error {
	switch fun := call.Fun.(type) {
	case *ast.Ident:
		if fun.Name != "make" || len(call.Args) < 2 {
			return nil
		}
		var n int64
		for _, arg := range call.Args[1:] {
			v, ok := sizeBound(arg)
			if !ok {
				return &RuntimeError{Message: "make sizes in rules must be constants or derived from len/cap"}
			}
			n = max(n, v)
		}
		elem, ok := elemSize(call.Args[0], types)
		if !ok || exceeds(n, elem) {
			return allocationError("make")
		}
	case *ast.SelectorExpr:
		if id, ok := fun.X.(*ast.Ident); regexpReplacers[fun.Sel.Name] && !(ok && (id.Name == "strings" || id.Name == "bytes")) {
			return &RuntimeError{Message: fmt.Sprintf("%s is not available in rules", fun.Sel.Name)}
		}
		if fun.Sel.Name == "Grow" && len(call.Args) == 1 {
			v, ok := sizeBound(call.Args[0])
			if !ok || v > MaxAllocation {
				return allocationError("Grow")
			}
		}
	}
	return nil
}

func checkLiteralIndexes(lit *ast.CompositeLit, types map[string]ast.Expr) error {
	at, ok := lit.Type.(*ast.ArrayType)
	if !ok {
		return nil
	}
	elem, ok := typeSize(at.Elt, types, 0)
	if !ok {
		return allocationError("composite literal")
	}
	for _, e := range lit.Elts {
		kv, ok := e.(*ast.KeyValueExpr)
		if !ok {
			continue
		}
		if i, ok := constInt(kv.Key); ok && (i >= MaxAllocation || exceeds(i+1, elem)) {
			return allocationError("composite literal")
		}
	}
	return nil
}

func allocationError(what string) error {
	return &RuntimeError{Message: fmt.Sprintf("%s exceeds the %d byte allocation limit for rules", what, MaxAllocation)}
}

// exceeds reports whether n elements of size bytes pass MaxAllocation.
func exceeds(n, size int64) bool {
	if n <= 0 || size <= 0 {
		return false
	}
	return n > MaxAllocation/size
}

// sizeBound returns the constant part of a make size. Sizes may only combine
// constants and len/cap calls with + and -.
func sizeBound(e ast.Expr) (int64, bool) {
	if v, ok := constInt(e); ok {
		return v, true
	}
	switch x := e.(type) {
	case *ast.ParenExpr:
		return sizeBound(x.X)
	case *ast.CallExpr:
		if id, ok := x.Fun.(*ast.Ident); ok && (id.Name == "len" || id.Name == "cap") && len(x.Args) == 1 {
			return 0, true
		}
	case *ast.BinaryExpr:
		if x.Op != token.ADD && x.Op != token.SUB {
			return 0, false
		}
		a, ok := sizeBound(x.X)
		if !ok {
			return 0, false
		}
		b, ok := sizeBound(x.Y)
		if !ok {
			return 0, false
		}
		if a > math.MaxInt64-b {
			return math.MaxInt64, true
		}
		return a + b, true
	}
	return 0, false
}

// constInt evaluates an untyped integer constant expression built from literals.
// The result is the magnitude, saturated at math.MaxInt64.
func constInt(e ast.Expr) (n int64, ok bool) {
	defer func() {
		if recover() != nil {
			n, ok = 0, false
		}
	}()
	v, ok := constValue(e)
	if !ok {
		return 0, false
	}
	v = constant.ToInt(v)
	if v.Kind() != constant.Int {
		return 0, false
	}
	if constant.Sign(v) < 0 {
		v = constant.UnaryOp(token.SUB, v, 0)
	}
	if i, exact := constant.Int64Val(v); exact {
		return i, true
	}
	return math.MaxInt64, true
}

func constValue(e ast.Expr) (constant.Value, bool) {
	switch x := e.(type) {
	case *ast.BasicLit:
		switch x.Kind {
		case token.INT, token.FLOAT, token.CHAR:
			v := constant.MakeFromLiteral(x.Value, x.Kind, 0)
			return v, v.Kind() != constant.Unknown
		}
	case *ast.ParenExpr:
		return constValue(x.X)
	case *ast.UnaryExpr:
		v, ok := constValue(x.X)
		if !ok {
			return nil, false
		}
		switch x.Op {
		case token.ADD, token.SUB, token.XOR:
			return constant.UnaryOp(x.Op, v, 0), true
		}
	case *ast.BinaryExpr:
		a, ok := constValue(x.X)
		if !ok {
			return nil, false
		}
		b, ok := constValue(x.Y)
		if !ok {
			return nil, false
		}
		switch x.Op {
		case token.SHL, token.SHR:
			s, exact := constant.Uint64Val(constant.ToInt(b))
			if !exact || s > 512 {
				return constant.MakeInt64(math.MaxInt64), true
			}
			return constant.Shift(constant.ToInt(a), x.Op, uint(s)), true
		case token.QUO:
			if constant.Sign(b) == 0 {
				return nil, false
			}
			if a.Kind() == constant.Int && b.Kind() == constant.Int {
				return constant.BinaryOp(a, token.QUO_ASSIGN, b), true
			}
			return constant.BinaryOp(a, token.QUO, b), true
		case token.REM:
			if constant.Sign(b) == 0 {
				return nil, false
			}
			return constant.BinaryOp(constant.ToInt(a), x.Op, constant.ToInt(b)), true
		case token.ADD, token.SUB, token.MUL, token.AND, token.OR, token.XOR, token.AND_NOT:
			return constant.BinaryOp(a, x.Op, b), true
		}
	}
	return nil, false
}

// localTypes maps type names declared in the rule to their definitions.
func localTypes(root ast.Node) map[string]ast.Expr {
	out := map[string]ast.Expr{}
	ast.Inspect(root, func(n ast.Node) bool {
		if ts, ok := n.(*ast.TypeSpec); ok {
			out[ts.Name.Name] = ts.Type
		}
		return true
	})
	return out
}

var basicSizes = map[string]int64{
	"bool": 1, "byte": 1, "int8": 1, "uint8": 1,
	"int16": 2, "uint16": 2,
	"int32": 4, "uint32": 4, "rune": 4, "float32": 4,
	"int": 8, "uint": 8, "int64": 8, "uint64": 8, "uintptr": 8, "float64": 8, "complex64": 8,
	"string": 16, "complex128": 16, "any": 16, "error": 16,
}

// elemSize estimates the per-element size of the type passed to make.
func elemSize(t ast.Expr, types map[string]ast.Expr) (int64, bool) {
	for depth := 0; depth < 32; depth++ {
		switch x := t.(type) {
		case *ast.ParenExpr:
			t = x.X
			continue
		case *ast.Ident:
			def, ok := types[x.Name]
			if !ok {
				return 16, true
			}
			t = def
			continue
		case *ast.ArrayType:
			return typeSize(x.Elt, types, 0)
		case *ast.MapType:
			k, ok := typeSize(x.Key, types, 0)
			if !ok {
				return 0, false
			}
			v, ok := typeSize(x.Value, types, 0)
			if !ok || k > math.MaxInt64-v {
				return 0, false
			}
			return k + v, true
		}
		return 8, true
	}
	return 0, false
}

// typeSize estimates the in-memory size of a type expression.
func typeSize(t ast.Expr, types map[string]ast.Expr, depth int) (int64, bool) {
	if depth > 32 {
		return 0, false
	}
	switch x := t.(type) {
	case *ast.ParenExpr:
		return typeSize(x.X, types, depth+1)
	case *ast.Ident:
		if n, ok := basicSizes[x.Name]; ok {
			return n, true
		}
		if def, ok := types[x.Name]; ok {
			return typeSize(def, types, depth+1)
		}
		return 16, true
	case *ast.ArrayType:
		if x.Len == nil {
			return 24, true
		}
		if _, ok := x.Len.(*ast.Ellipsis); ok {
			return 24, true
		}
		n, ok := constInt(x.Len)
		if !ok {
			return 0, false
		}
		elem, ok := typeSize(x.Elt, types, depth+1)
		if !ok || exceeds(n, elem) {
			return 0, false
		}
		return n * elem, true
	case *ast.StructType:
		var total int64
		for _, f := range x.Fields.List {
			size, ok := typeSize(f.Type, types, depth+1)
			if !ok {
				return 0, false
			}
			total += size * int64(max(1, len(f.Names)))
			if total > MaxAllocation {
				return 0, false
			}
		}
		return total, true
	case *ast.InterfaceType:
		return 16, true
	case *ast.SelectorExpr:
		return 64, true
	}
	return 8, true
}

// boundedSymbols replace standard library functions whose output can grow far
// beyond their input. A zero Value removes the symbol.
var boundedSymbols = map[string]map[string]reflect.Value{
	"strings": {
		"Repeat":      reflect.ValueOf(boundedRepeat),
		"Replace":     reflect.ValueOf(boundedReplace),
		"ReplaceAll":  reflect.ValueOf(boundedReplaceAll),
		"Join":        reflect.ValueOf(boundedJoin),
		"NewReplacer": {},
	},
	"bytes": {
		"Repeat":     reflect.ValueOf(boundedBytesRepeat),
		"Replace":    reflect.ValueOf(boundedBytesReplace),
		"ReplaceAll": reflect.ValueOf(boundedBytesReplaceAll),
		"Join":       reflect.ValueOf(boundedBytesJoin),
	},
}

func overAllocation(fn string) string {
	return fmt.Sprintf("%s: result exceeds the %d byte allocation limit", fn, MaxAllocation)
}

func boundedRepeat(s string, count int) string {
	if count > 0 && exceeds(int64(count), int64(len(s))) {
		panic(overAllocation("strings.Repeat"))
	}
	return strings.Repeat(s, count)
}

// replacedLen returns the output length of replacing old with new m times in n bytes.
func replacedLen(n, m, oldLen, newLen int) int64 {
	grow := int64(newLen - oldLen)
	if grow <= 0 || m == 0 {
		return int64(n)
	}
	if exceeds(int64(m), grow) {
		return math.MaxInt64
	}
	return int64(n) + int64(m)*grow
}

func boundedReplace(s, old, new string, n int) string {
	m := strings.Count(s, old)
	if n >= 0 && n < m {
		m = n
	}
	if replacedLen(len(s), m, len(old), len(new)) > MaxAllocation {
		panic(overAllocation("strings.Replace"))
	}
	return strings.Replace(s, old, new, n)
}

func boundedReplaceAll(s, old, new string) string {
	return boundedReplace(s, old, new, -1)
}

func joinedLen(lens []int, sep int) int64 {
	var total int64
	for _, l := range lens {
		total += int64(l)
		if total > MaxAllocation {
			return total
		}
	}
	if len(lens) > 1 && exceeds(int64(len(lens)-1), int64(sep)) {
		return math.MaxInt64
	}
	if len(lens) > 1 {
		total += int64(len(lens)-1) * int64(sep)
	}
	return total
}

func boundedJoin(elems []string, sep string) string {
	lens := make([]int, len(elems))
	for i, e := range elems {
		lens[i] = len(e)
	}
	if joinedLen(lens, len(sep)) > MaxAllocation {
		panic(overAllocation("strings.Join"))
	}
	return strings.Join(elems, sep)
}

func boundedBytesRepeat(b []byte, count int) []byte {
	if count > 0 && exceeds(int64(count), int64(len(b))) {
		panic(overAllocation("bytes.Repeat"))
	}
	return bytes.Repeat(b, count)
}

func boundedBytesReplace(s, old, new []byte, n int) []byte {
	m := bytes.Count(s, old)
	if n >= 0 && n < m {
		m = n
	}
	if replacedLen(len(s), m, len(old), len(new)) > MaxAllocation {
		panic(overAllocation("bytes.Replace"))
	}
	return bytes.Replace(s, old, new, n)
}

func boundedBytesReplaceAll(s, old, new []byte) []byte {
	return boundedBytesReplace(s, old, new, -1)
}

func boundedBytesJoin(s [][]byte, sep []byte) []byte {
	lens := make([]int, len(s))
	for i, e := range s {
		lens[i] = len(e)
	}
	if joinedLen(lens, len(sep)) > MaxAllocation {
		panic(overAllocation("bytes.Join"))
	}
	return bytes.Join(s, sep)
}
