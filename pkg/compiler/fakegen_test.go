package compiler_test

import (
	"fmt"
	"math/big"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/compiler"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// fakeExpressionCodegen is a minimal ExpressionCodegen standing in for the
// real expression lowering collaborator (out of scope for this repository,
// see pkg/compiler/collaborators.go). It supports exactly the expression
// shapes the scenario tests need: integer literals, variable references,
// a handful of binary/unary operators, plain assignment and same-contract
// calls. Every type involved is ast.Uint256 or ast.Bool, both one stack
// word, so AppendTypeConversion never has real work to do.
type fakeExpressionCodegen struct{}

func (fakeExpressionCodegen) CompileExpression(c *compiler.Context, expr ast.Expression) error {
	switch e := expr.(type) {
	case *ast.Literal:
		c.PushBig(e.Value)
		return nil

	case *ast.Identifier:
		if c.IsLocalVariable(e.Declaration) {
			return compiler.CopyToStackTop(c, e.Declaration)
		}
		slot, err := c.StateVariableSlot(e.Declaration)
		if err != nil {
			return err
		}
		c.PushInt(int64(slot))
		c.Op(opcode.SLOAD)
		return nil

	case *ast.UnaryExpression:
		if err := (fakeExpressionCodegen{}).CompileExpression(c, e.Operand); err != nil {
			return err
		}
		switch e.Op {
		case ast.OpNot:
			c.Op(opcode.ISZERO)
		case ast.OpNeg:
			c.PushInt(0)
			c.Swap(1)
			c.Op(opcode.SUB)
		}
		return nil

	case *ast.BinaryExpression:
		if err := (fakeExpressionCodegen{}).CompileExpression(c, e.Left); err != nil {
			return err
		}
		if err := (fakeExpressionCodegen{}).CompileExpression(c, e.Right); err != nil {
			return err
		}
		switch e.Op {
		case ast.OpAdd:
			c.Op(opcode.ADD)
		case ast.OpSub:
			c.Op(opcode.SUB)
		case ast.OpMul:
			c.Op(opcode.MUL)
		case ast.OpDiv:
			c.Op(opcode.DIV)
		case ast.OpMod:
			c.Op(opcode.MOD)
		case ast.OpLt:
			c.Op(opcode.LT)
		case ast.OpGt:
			c.Op(opcode.GT)
		case ast.OpEq:
			c.Op(opcode.EQ)
		case ast.OpNotEq:
			c.Op(opcode.EQ)
			c.Op(opcode.ISZERO)
		case ast.OpAnd:
			c.Op(opcode.AND)
		case ast.OpOr:
			c.Op(opcode.OR)
		default:
			return fmt.Errorf("fakeExpressionCodegen: unsupported binary op %v", e.Op)
		}
		return nil

	case *ast.Assignment:
		if err := (fakeExpressionCodegen{}).CompileExpression(c, e.Value); err != nil {
			return err
		}
		c.Dup(1)
		if c.IsLocalVariable(e.Target) {
			return compiler.MoveToStackVariable(c, e.Target)
		}
		slot, err := c.StateVariableSlot(e.Target)
		if err != nil {
			return err
		}
		c.PushInt(int64(slot))
		c.Op(opcode.SSTORE)
		return nil

	case *ast.Call:
		callee := e.Callee
		if ov := c.ResolveOverride(callee.Name); ov != nil {
			callee = ov
		}
		entryLabel, err := c.GetFunctionEntryLabel(callee)
		if err != nil {
			return err
		}
		returnTag := c.PushNewTag()
		for _, arg := range e.Arguments {
			if err := (fakeExpressionCodegen{}).CompileExpression(c, arg); err != nil {
				return err
			}
		}
		c.AppendJumpTo(entryLabel)
		c.PlaceCallReturnTag(returnTag, ast.SizeOnStack(callee.Parameters), ast.SizeOnStack(callee.ReturnParameters))
		return nil

	default:
		return fmt.Errorf("fakeExpressionCodegen: unsupported expression %T", e)
	}
}

func (fakeExpressionCodegen) CalledFunctions(expr ast.Expression) []*ast.FunctionDefinition {
	var out []*ast.FunctionDefinition
	var walk func(ast.Expression)
	walk = func(e ast.Expression) {
		switch v := e.(type) {
		case *ast.Call:
			out = append(out, v.Callee)
			for _, a := range v.Arguments {
				walk(a)
			}
		case *ast.BinaryExpression:
			walk(v.Left)
			walk(v.Right)
		case *ast.UnaryExpression:
			walk(v.Operand)
		case *ast.Assignment:
			walk(v.Value)
		}
	}
	walk(expr)
	return out
}

func (fakeExpressionCodegen) AppendTypeConversion(c *compiler.Context, from, to ast.Type, cleanup bool) error {
	return nil
}

func pos(line int) ast.SourcePos { return ast.SourcePos{File: "test.sol", Line: line} }

func lit(v int64) *ast.Literal {
	return &ast.Literal{Value: big.NewInt(v), Typ: ast.Uint256, At: pos(0)}
}

func ident(d *ast.VariableDeclaration) *ast.Identifier {
	return &ast.Identifier{Declaration: d, At: pos(0)}
}

func bin(op ast.BinaryOp, l, r ast.Expression) *ast.BinaryExpression {
	typ := ast.Uint256
	switch op {
	case ast.OpLt, ast.OpGt, ast.OpEq, ast.OpNotEq, ast.OpAnd, ast.OpOr:
		typ = ast.Bool
	}
	return &ast.BinaryExpression{Op: op, Left: l, Right: r, Typ: typ, At: pos(0)}
}

func not(e ast.Expression) *ast.UnaryExpression {
	return &ast.UnaryExpression{Op: ast.OpNot, Operand: e, Typ: ast.Bool, At: pos(0)}
}

func assign(target *ast.VariableDeclaration, value ast.Expression) *ast.Assignment {
	return &ast.Assignment{Target: target, Value: value, At: pos(0)}
}

func exprStmt(e ast.Expression) *ast.ExpressionStatement {
	return &ast.ExpressionStatement{Expression: e, At: pos(0)}
}

func block(stmts ...ast.Statement) *ast.Block {
	return &ast.Block{Statements: stmts, At: pos(0)}
}
