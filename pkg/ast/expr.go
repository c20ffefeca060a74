package ast

import "math/big"

// The node kinds in this file are a minimal, concrete expression language:
// literals, variable references, unary/binary operators, assignment and
// same-contract calls. The core (Context, CallGraph, StatementCodegen)
// never references any of them - it only ever holds an opaque Expression
// - but ExpressionCodegen needs something real to walk, and a front end
// building these nodes needs a documented shape to build them into.

// Literal is a constant value of a fixed type.
type Literal struct {
	Value *big.Int
	Typ   Type
	At    SourcePos
}

func (l *Literal) Pos() SourcePos { return l.At }
func (l *Literal) Type() Type     { return l.Typ }

// Identifier references a variable: a parameter, return parameter, local
// or state variable. Which one it is isn't recorded here - ExpressionCodegen
// looks it up as a bound local first and falls back to a storage slot,
// the same order any reference-resolution pass would try first.
type Identifier struct {
	Declaration *VariableDeclaration
	At          SourcePos
}

func (id *Identifier) Pos() SourcePos { return id.At }
func (id *Identifier) Type() Type     { return id.Declaration.Typ }

// BinaryOp is one of the binary operators BinaryExpression supports.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLt
	OpGt
	OpEq
	OpNotEq
	OpAnd
	OpOr
)

// BinaryExpression applies Op to Left and Right. Typ is the static result
// type: for the comparison and logical operators this is Bool regardless
// of the operand types.
type BinaryExpression struct {
	Op          BinaryOp
	Left, Right Expression
	Typ         Type
	At          SourcePos
}

func (b *BinaryExpression) Pos() SourcePos { return b.At }
func (b *BinaryExpression) Type() Type     { return b.Typ }

// UnaryOp is one of the unary operators UnaryExpression supports.
type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpNeg
)

// UnaryExpression applies Op to Operand.
type UnaryExpression struct {
	Op      UnaryOp
	Operand Expression
	Typ     Type
	At      SourcePos
}

func (u *UnaryExpression) Pos() SourcePos { return u.At }
func (u *UnaryExpression) Type() Type     { return u.Typ }

// Assignment evaluates Value and writes it into Target's slot. Its own
// type, like C's `x = y`, is Target's type: `f(x = y)` is legal here even
// though nothing in this reference front end actually writes that.
type Assignment struct {
	Target *VariableDeclaration
	Value  Expression
	At     SourcePos
}

func (a *Assignment) Pos() SourcePos { return a.At }
func (a *Assignment) Type() Type     { return a.Target.Typ }

// Call invokes Callee, as statically named at the call site, with
// Arguments. The function actually jumped to may differ from Callee if an
// override resolver is in effect when this is lowered - see
// ExpressionCodegen.CalledFunctions and Context.ResolveOverride.
type Call struct {
	Callee    *FunctionDefinition
	Arguments []Expression
	At        SourcePos
}

func (c *Call) Pos() SourcePos { return c.At }

// Type returns Callee's first return type, or nil if Callee returns
// nothing. Multi-value return is out of scope (see FunctionDefinition).
func (c *Call) Type() Type {
	if len(c.Callee.ReturnParameters) == 0 {
		return nil
	}
	return c.Callee.ReturnParameters[0].Typ
}
