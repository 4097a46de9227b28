package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"
)

// program is validated rule source ready for the interpreter.
type program struct {
	source string
	// imports are the import paths the source references, including the binding.
	imports []string
	// packages are the allow-listed standard library import paths among imports.
	packages []string
}

func (p *program) importDecl() string {
	var b strings.Builder
	b.WriteString("import (\n")
	for _, imp := range p.imports {
		fmt.Fprintf(&b, "\t%q\n", imp)
	}
	b.WriteString(")")
	return b.String()
}

// compile parses code as an expression, or failing that as a function body returning
// bool, rejects asynchronous constructs, unbounded allocations and recursion, and works
// out which packages to import.
func (s *Sandbox) compile(code string) (*program, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &RuntimeError{Message: "empty rule"}
	}
	if len(code) > MaxRuleSize {
		return nil, &RuntimeError{Message: fmt.Sprintf("rule exceeds %d bytes", MaxRuleSize)}
	}

	var root ast.Node
	source := code
	if expr, err := parser.ParseExpr(code); err == nil {
		root = expr
	} else {
		const header = "package rule\nfunc _() bool {\n"
		file, ferr := parser.ParseFile(token.NewFileSet(), "rule.go", header+code+"\n}", 0)
		if ferr != nil {
			// Report the expression error for one-liners; it is usually the clearer one.
			if !strings.Contains(code, "\n") && !strings.Contains(code, "return") {
				return nil, &RuntimeError{Message: "syntax error: " + err.Error(), Err: err}
			}
			return nil, &RuntimeError{Message: "syntax error: " + ferr.Error(), Err: ferr}
		}
		root = file.Decls[0]
		source = "func() bool {\n" + code + "\n}()"
	}

	if err := checkSynchronous(root); err != nil {
		return nil, err
	}
	if err := checkAllocations(root); err != nil {
		return nil, err
	}
	if err := checkRecursion(root, s.packageNames()); err != nil {
		return nil, err
	}

	prog := &program{source: source}
	for _, name := range referencedPackages(root) {
		if name == bindingPackage {
			prog.imports = append(prog.imports, bindingPackage)
			continue
		}
		if p, ok := s.allowed[name]; ok {
			prog.imports = append(prog.imports, p)
			prog.packages = append(prog.packages, p)
		}
	}
	return prog, nil
}

// checkSynchronous rejects goroutines, channels and select.
func checkSynchronous(root ast.Node) error {
	var found string
	ast.Inspect(root, func(n ast.Node) bool {
		if found != "" {
			return false
		}
		switch x := n.(type) {
		case *ast.GoStmt:
			found = "go statement"
		case *ast.SelectStmt:
			found = "select statement"
		case *ast.SendStmt:
			found = "channel send"
		case *ast.ChanType:
			found = "channel type"
		case *ast.UnaryExpr:
			if x.Op == token.ARROW {
				found = "channel receive"
			}
		}
		return true
	})
	if found != "" {
		return &RuntimeError{Message: fmt.Sprintf("asynchronous constructs are not allowed in rules: %s", found)}
	}
	return nil
}

// referencedPackages returns the sorted identifiers used as the X of a selector,
// which covers every package reference.
func referencedPackages(root ast.Node) []string {
	seen := map[string]bool{}
	ast.Inspect(root, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if id, ok := sel.X.(*ast.Ident); ok {
				seen[id.Name] = true
			}
		}
		return true
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// packageNames returns the names rules use to refer to packages.
func (s *Sandbox) packageNames() map[string]bool {
	out := make(map[string]bool, len(s.allowed)+1)
	out[bindingPackage] = true
	for name := range s.allowed {
		out[name] = true
	}
	return out
}
