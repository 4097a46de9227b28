package sandbox

import (
	"go/ast"
	"strconv"
)

// builtins never carry a rule's values between variables.
var builtins = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true, "copy": true,
	"delete": true, "imag": true, "len": true, "make": true, "max": true, "min": true,
	"new": true, "panic": true, "print": true, "println": true, "real": true, "recover": true,
	"nil": true, "true": true, "false": true, "iota": true, "_": true,
}

// checkRecursion rejects rules in which a function value can end up calling itself.
// Interpreted recursion grows the goroutine stack until the process dies, which no
// deadline can interrupt. Besides recursive types and type assertions to function
// types, it tracks which variables may hold which function literals and rejects a
// literal that can reach a variable holding it.
func checkRecursion(root ast.Node, packages map[string]bool) error {
	types := localTypes(root)
	if name, ok := recursiveType(types); ok {
		return &RuntimeError{Message: "recursive types are not allowed in rules: " + name}
	}
	if err := checkFuncAssertions(root, types); err != nil {
		return err
	}
	g := newFlowGraph(packages)
	g.collect(root)
	g.solve()
	if g.cyclic() {
		return &RuntimeError{Message: "recursive functions are not allowed in rules"}
	}
	return nil
}

func recursiveType(types map[string]ast.Expr) (string, bool) {
	refs := make(map[string][]string, len(types))
	for name, def := range types {
		refs[name] = typeRefs(def, types)
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return true
		case done:
			return false
		}
		state[name] = visiting
		for _, r := range refs[name] {
			if visit(r) {
				return true
			}
		}
		state[name] = done
		return false
	}
	for name := range types {
		if visit(name) {
			return name, true
		}
	}
	return "", false
}

// typeRefs returns the local type names used in a type expression, skipping field names.
func typeRefs(t ast.Expr, types map[string]ast.Expr) []string {
	var out []string
	ast.Inspect(t, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.Field:
			out = append(out, typeRefs(x.Type, types)...)
			return false
		case *ast.SelectorExpr:
			return false
		case *ast.Ident:
			if _, ok := types[x.Name]; ok {
				out = append(out, x.Name)
			}
		}
		return true
	})
	return out
}

func checkFuncAssertions(root ast.Node, types map[string]ast.Expr) error {
	var err error
	ast.Inspect(root, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.TypeAssertExpr:
			if x.Type != nil && holdsFunc(x.Type, types, map[string]bool{}) {
				err = &RuntimeError{Message: "type assertions to function types are not allowed in rules"}
			}
		case *ast.TypeSwitchStmt:
			for _, stmt := range x.Body.List {
				for _, t := range stmt.(*ast.CaseClause).List {
					if holdsFunc(t, types, map[string]bool{}) {
						err = &RuntimeError{Message: "type switches on function types are not allowed in rules"}
					}
				}
			}
		}
		return true
	})
	return err
}

func holdsFunc(t ast.Expr, types map[string]ast.Expr, seen map[string]bool) bool {
	found := false
	ast.Inspect(t, func(n ast.Node) bool {
		if found {
			return false
		}
		switch x := n.(type) {
		case *ast.FuncType:
			found = true
		case *ast.Ident:
			if def, ok := types[x.Name]; ok && !seen[x.Name] {
				seen[x.Name] = true
				found = holdsFunc(def, types, seen)
			}
		}
		return true
	})
	return found
}

// flowGraph links variables to the values they may hold. An edge from a variable
// to a literal means the variable may hold that literal; from a variable to another
// variable, that it may hold what the other holds; from a literal to a variable,
// that calling the literal reads the variable. A cycle through a literal is a
// possible recursion.
type flowGraph struct {
	packages map[string]bool
	edges    map[string]map[string]bool
	lits     map[*ast.FuncLit]string
	params   map[string][][]string
	calls    []*ast.CallExpr
	writes   []indirectWrite
	parent   map[string]string
}

// indirectWrite stores a value through an index, field or pointer, which every
// alias of root observes.
type indirectWrite struct {
	root  string
	value ast.Expr
}

func newFlowGraph(packages map[string]bool) *flowGraph {
	return &flowGraph{
		packages: packages,
		edges:    map[string]map[string]bool{},
		lits:     map[*ast.FuncLit]string{},
		params:   map[string][][]string{},
		parent:   map[string]string{},
	}
}

func varNode(name string) string { return "v:" + name }

func (g *flowGraph) litNode(lit *ast.FuncLit) string {
	id, ok := g.lits[lit]
	if !ok {
		id = "f:" + strconv.Itoa(len(g.lits))
		g.lits[lit] = id
	}
	return id
}

func (g *flowGraph) addEdge(from, to string) bool {
	out, ok := g.edges[from]
	if !ok {
		out = map[string]bool{}
		g.edges[from] = out
	}
	if out[to] {
		return false
	}
	out[to] = true
	return true
}

func (g *flowGraph) collect(root ast.Node) {
	ast.Inspect(root, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			g.collectLit(x)
		case *ast.AssignStmt:
			g.assign(x.Lhs, x.Rhs)
		case *ast.ValueSpec:
			lhs := make([]ast.Expr, len(x.Names))
			for i, name := range x.Names {
				lhs[i] = name
			}
			g.assign(lhs, x.Values)
		case *ast.RangeStmt:
			var lhs []ast.Expr
			for _, e := range []ast.Expr{x.Key, x.Value} {
				if e != nil {
					lhs = append(lhs, e)
				}
			}
			g.assign(lhs, []ast.Expr{x.X})
		case *ast.CallExpr:
			g.calls = append(g.calls, x)
		}
		return true
	})
}

// collectLit links a literal to everything its body reads, including nested literals.
func (g *flowGraph) collectLit(lit *ast.FuncLit) {
	id := g.litNode(lit)
	ast.Inspect(lit.Body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			g.addEdge(id, g.litNode(x))
		case *ast.SelectorExpr:
			ast.Inspect(x.X, func(n ast.Node) bool {
				if ident, ok := n.(*ast.Ident); ok {
					g.addEdge(id, varNode(ident.Name))
				}
				return true
			})
			return false
		case *ast.Ident:
			g.addEdge(id, varNode(x.Name))
		}
		return true
	})
	var params [][]string
	if lit.Type.Params != nil {
		for _, field := range lit.Type.Params.List {
			names := make([]string, 0, len(field.Names))
			for _, name := range field.Names {
				names = append(names, name.Name)
			}
			for range max(1, len(field.Names)) {
				params = append(params, names)
			}
		}
	}
	g.params[id] = params
}

func (g *flowGraph) assign(lhs, rhs []ast.Expr) {
	for i, l := range lhs {
		values := rhs
		if len(lhs) == len(rhs) {
			values = rhs[i : i+1]
		}
		g.store(l, values)
	}
}

func (g *flowGraph) store(target ast.Expr, values []ast.Expr) bool {
	root, direct := lhsRoot(target)
	if root == "" || builtins[root] || g.packages[root] {
		return false
	}
	changed := false
	for _, v := range values {
		for _, r := range g.valueRoots(v) {
			changed = g.union(root, r) || changed
		}
		if direct {
			changed = g.flowInto(root, v) || changed
		} else {
			g.writes = append(g.writes, indirectWrite{root: root, value: v})
		}
	}
	return changed
}

// flowInto records that variable target may hold any value read by expr.
func (g *flowGraph) flowInto(target string, expr ast.Expr) bool {
	from := varNode(target)
	changed := false
	ast.Inspect(expr, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			changed = g.addEdge(from, g.litNode(x)) || changed
			return false
		case *ast.SelectorExpr:
			ast.Inspect(x.X, func(n ast.Node) bool {
				if lit, ok := n.(*ast.FuncLit); ok {
					changed = g.addEdge(from, g.litNode(lit)) || changed
					return false
				}
				if ident, ok := n.(*ast.Ident); ok && ident.Name != target {
					changed = g.addEdge(from, varNode(ident.Name)) || changed
				}
				return true
			})
			return false
		case *ast.Ident:
			if x.Name != target {
				changed = g.addEdge(from, varNode(x.Name)) || changed
			}
		}
		return true
	})
	return changed
}

// solve applies indirect writes to every alias of their target and binds call
// arguments to the parameters of the literals a callee may hold, until nothing changes.
func (g *flowGraph) solve() {
	for changed := true; changed; {
		changed = false
		for _, w := range g.writes {
			for _, member := range g.aliases(w.root) {
				changed = g.flowInto(member, w.value) || changed
			}
		}
		for _, call := range g.calls {
			for _, lit := range g.calleeLits(call.Fun) {
				params := g.params[lit]
				if len(params) == 0 {
					continue
				}
				for i, arg := range call.Args {
					names := params[min(i, len(params)-1)]
					for _, p := range names {
						changed = g.store(ast.NewIdent(p), []ast.Expr{arg}) || changed
					}
				}
			}
		}
	}
}

// calleeLits returns the literals a call through fun may invoke.
func (g *flowGraph) calleeLits(fun ast.Expr) []string {
	if lit, ok := fun.(*ast.FuncLit); ok {
		return []string{g.litNode(lit)}
	}
	root, _ := lhsRoot(fun)
	if root == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	var walk func(string)
	walk = func(node string) {
		if seen[node] {
			return
		}
		seen[node] = true
		if node[0] == 'f' {
			out = append(out, node)
			return
		}
		for next := range g.edges[node] {
			walk(next)
		}
	}
	for _, member := range g.aliases(root) {
		walk(varNode(member))
	}
	return out
}

// cyclic reports whether any strongly connected component contains a literal
// and a cycle.
func (g *flowGraph) cyclic() bool {
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	next := 0
	found := false

	var connect func(string)
	connect = func(v string) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for w := range g.edges[v] {
			if _, ok := index[w]; !ok {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var component []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		hasLit := false
		for _, w := range component {
			if w[0] == 'f' {
				hasLit = true
			}
		}
		if hasLit && (len(component) > 1 || g.edges[v][v]) {
			found = true
		}
	}
	for v := range g.edges {
		if _, ok := index[v]; !ok {
			connect(v)
		}
	}
	return found
}

func (g *flowGraph) find(name string) string {
	for {
		p, ok := g.parent[name]
		if !ok || p == name {
			return name
		}
		name = p
	}
}

func (g *flowGraph) union(a, b string) bool {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return false
	}
	g.parent[ra] = rb
	return true
}

func (g *flowGraph) aliases(name string) []string {
	root := g.find(name)
	out := []string{name}
	for member := range g.parent {
		if member != name && g.find(member) == root {
			out = append(out, member)
		}
	}
	if root != name {
		out = append(out, root)
	}
	return out
}

// valueRoots returns the variables whose storage a value may share.
func (g *flowGraph) valueRoots(e ast.Expr) []string {
	var out []string
	var walk func(ast.Expr)
	walk = func(e ast.Expr) {
		switch x := e.(type) {
		case *ast.Ident:
			if !builtins[x.Name] && !g.packages[x.Name] {
				out = append(out, x.Name)
			}
		case *ast.ParenExpr:
			walk(x.X)
		case *ast.UnaryExpr:
			walk(x.X)
		case *ast.StarExpr:
			walk(x.X)
		case *ast.SelectorExpr:
			walk(x.X)
		case *ast.IndexExpr:
			walk(x.X)
		case *ast.IndexListExpr:
			walk(x.X)
		case *ast.SliceExpr:
			walk(x.X)
		case *ast.TypeAssertExpr:
			walk(x.X)
		case *ast.CallExpr:
			walk(x.Fun)
			for _, arg := range x.Args {
				walk(arg)
			}
		case *ast.CompositeLit:
			for _, elt := range x.Elts {
				walk(elt)
			}
		case *ast.KeyValueExpr:
			walk(x.Value)
		}
	}
	walk(e)
	return out
}

// lhsRoot returns the variable an assignment target writes to, and whether the
// write replaces the variable itself rather than storage it refers to.
func lhsRoot(e ast.Expr) (string, bool) {
	direct := true
	for {
		switch x := e.(type) {
		case *ast.Ident:
			return x.Name, direct
		case *ast.ParenExpr:
			e = x.X
			continue
		case *ast.IndexExpr:
			e = x.X
		case *ast.IndexListExpr:
			e = x.X
		case *ast.SelectorExpr:
			e = x.X
		case *ast.StarExpr:
			e = x.X
		case *ast.SliceExpr:
			e = x.X
		case *ast.UnaryExpr:
			e = x.X
		case *ast.CallExpr:
			e = x.Fun
		default:
			return "", false
		}
		direct = false
	}
}
