// Package lql implements the small pipeline/function expression language
// used inside column transforms. An expression is parsed once into a tiny
// AST; evaluation is a pure function over (payload bindings, AST).
package lql

// Node is an AST node.
type Node interface {
	node()
}

// Literal is a string or numeric constant.
type Literal struct {
	Value any // string, int64, or float64
}

// Ident resolves a name against the payload bindings at eval time.
type Ident struct {
	Name string
}

// Call invokes a builtin with evaluated arguments. Pipelines desugar into
// nested Calls at parse time: `x |> f(a)` becomes Call{f, [x, a]}.
type Call struct {
	Name string
	Args []Node
}

func (Literal) node() {}
func (Ident) node()   {}
func (Call) node()    {}
