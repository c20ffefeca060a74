package compiler

import "github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"

// ExpressionCodegen is the external collaborator that lowers an
// ast.Expression. A call leaves exactly expr.Type().SizeOnStack() words on
// top of stack and must keep Context.StackHeight() in sync with what it
// emitted, since every other piece of the core (variable addressing, the
// epilogue reshuffle) trusts that counter. The core never inspects an
// Expression's concrete type itself.
type ExpressionCodegen interface {
	CompileExpression(c *Context, expr ast.Expression) error

	// CalledFunctions reports the functions expr calls directly (by their
	// pre-override-substitution identity), for CallGraph to expand. Most
	// expressions call nothing and return nil.
	CalledFunctions(expr ast.Expression) []*ast.FunctionDefinition

	// AppendTypeConversion transforms the top-of-stack value from type
	// from to type to. cleanup, with from==to, forces the value into its
	// canonical in-word representation (e.g. masking a value a prior
	// operation may have left with dirty high bits) without a logical
	// type change.
	AppendTypeConversion(c *Context, from, to ast.Type, cleanup bool) error
}

// directCallsOf walks fn's body collecting every function any statement's
// expressions call, via gen. It does not recurse into the callees
// themselves; that expansion is CallGraph's job.
func directCallsOf(gen ExpressionCodegen, fn *ast.FunctionDefinition) []*ast.FunctionDefinition {
	var out []*ast.FunctionDefinition
	var visitExpr func(ast.Expression)
	visitExpr = func(e ast.Expression) {
		if e == nil {
			return
		}
		out = append(out, gen.CalledFunctions(e)...)
	}
	var visitStmt func(ast.Statement)
	visitStmt = func(s ast.Statement) {
		switch st := s.(type) {
		case *ast.Block:
			for _, inner := range st.Statements {
				visitStmt(inner)
			}
		case *ast.IfStatement:
			visitExpr(st.Condition)
			visitStmt(st.True)
			if st.False != nil {
				visitStmt(st.False)
			}
		case *ast.WhileStatement:
			visitExpr(st.Condition)
			visitStmt(st.Body)
		case *ast.ForStatement:
			if st.Init != nil {
				visitStmt(st.Init)
			}
			visitExpr(st.Condition)
			if st.Step != nil {
				visitStmt(st.Step)
			}
			visitStmt(st.Body)
		case *ast.Return:
			visitExpr(st.Expression)
		case *ast.VariableDefinition:
			visitExpr(st.Expression)
		case *ast.ExpressionStatement:
			visitExpr(st.Expression)
		}
	}
	if fn.Body != nil {
		visitStmt(fn.Body)
	}
	return out
}

// NewExpressionDrivenCallGraph builds a CallGraph whose direct-call edges
// come from walking each function's statements with gen, substituted
// through resolveOverride.
func NewExpressionDrivenCallGraph(gen ExpressionCodegen, resolveOverride OverrideResolver) *CallGraph {
	return NewCallGraph(func(fn *ast.FunctionDefinition) []*ast.FunctionDefinition {
		return directCallsOf(gen, fn)
	}, resolveOverride)
}
