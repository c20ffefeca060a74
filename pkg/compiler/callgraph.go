package compiler

import "github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"

// DirectCallsFunc reports the functions fn calls directly, named as written
// (pre-override-substitution). The core has no expression interpreter of
// its own (ExpressionCodegen is an external collaborator), so CallGraph is
// parameterized by this callback rather than walking fn.Body itself.
type DirectCallsFunc func(fn *ast.FunctionDefinition) []*ast.FunctionDefinition

// OverrideResolver maps a function name, as written at a call site, to the
// function a virtual dispatch through the most-derived contract actually
// reaches. This is the same lookup Context.ResolveOverride exposes to
// ExpressionCodegen, so a contract's CallGraph and its Context agree on
// what every internal call actually resolves to.
type OverrideResolver func(name string) *ast.FunctionDefinition

// CallGraph computes the transitive closure of functions reachable from a
// set of roots, substituting every call edge through an override resolver
// before following it. This is what lets the ContractAssembler register
// in the creation context exactly the set of functions a contract's
// constructor chain can actually reach - including overrides reached only
// through a base function's body - without emitting dead code for bases
// that are always shadowed. The runtime context does not use it: it
// registers and compiles every function of the linearization.
type CallGraph struct {
	directCalls     DirectCallsFunc
	resolveOverride OverrideResolver
}

// NewCallGraph builds a CallGraph. resolveOverride may be nil, in which
// case call edges are followed exactly as named (no override
// substitution); this is the right mode for a contract with no
// inheritance.
func NewCallGraph(directCalls DirectCallsFunc, resolveOverride OverrideResolver) *CallGraph {
	return &CallGraph{directCalls: directCalls, resolveOverride: resolveOverride}
}

// Closure returns every function transitively reachable from roots,
// roots themselves included, each substituted through the override
// resolver. The result has no duplicates. Its order is deterministic for a
// given roots order and call-edge order: functions are taken from a
// last-in-first-out worklist, seeded with roots in the order given.
func (g *CallGraph) Closure(roots []*ast.FunctionDefinition) []*ast.FunctionDefinition {
	seen := map[*ast.FunctionDefinition]bool{}
	var worklist []*ast.FunctionDefinition

	resolve := func(fn *ast.FunctionDefinition) *ast.FunctionDefinition {
		if g.resolveOverride == nil {
			return fn
		}
		if r := g.resolveOverride(fn.Name); r != nil {
			return r
		}
		return fn
	}

	for _, root := range roots {
		r := resolve(root)
		if !seen[r] {
			seen[r] = true
			worklist = append(worklist, r)
		}
	}

	out := make([]*ast.FunctionDefinition, 0, len(worklist))
	for len(worklist) > 0 {
		fn := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		out = append(out, fn)

		if g.directCalls == nil {
			continue
		}
		for _, called := range g.directCalls(fn) {
			r := resolve(called)
			if seen[r] {
				continue
			}
			seen[r] = true
			worklist = append(worklist, r)
		}
	}
	return out
}
