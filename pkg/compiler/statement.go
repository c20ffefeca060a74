package compiler

import (
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/asm"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// stmtCompiler lowers one function body's statements. It exists only for
// the duration of a single CompileFunctionBody call; break/continue tags
// are a stack because loops nest, and that stack has no reason to outlive
// the body it was built for.
type stmtCompiler struct {
	c    *Context
	gen  ExpressionCodegen
	base int // stack height once parameters, return parameters and locals are bound

	breakTags    []asm.Tag
	continueTags []asm.Tag
}

// CompileFunctionBody lowers fn's parameters, return parameters and
// (pre-scanned) local variables, compiles its body, and appends the
// epilogue that discards arguments and locals and moves the return values
// above the caller's return address before jumping back to it. c must not
// yet have had StartNewFunction called for fn; this does that itself.
//
// Every local variable fn declares, anywhere in its body, gets a
// zero-initialized slot up front (see Context.StartNewFunction); a
// function's stack height is therefore constant - equal to
// 1+argSize+retSize+localSize - at every statement boundary for its whole
// body, which is what makes the epilogue below a fixed, one-shot reshuffle
// rather than something each Return site has to compute for itself.
func CompileFunctionBody(c *Context, fn *ast.FunctionDefinition, gen ExpressionCodegen) error {
	if err := c.StartNewFunction(fn); err != nil {
		return err
	}
	sc := &stmtCompiler{c: c, gen: gen, base: c.StackHeight()}

	if err := sc.compileBlock(fn.Body); err != nil {
		return err
	}

	c.PlaceTag(c.ReturnEpilogueTag())
	return sc.appendEpilogue(fn)
}

// appendEpilogue reshuffles the stack from
// [retAddr, arg..., retVal..., local...] to [retVal..., retAddr] and jumps
// through the return address. It tracks the target position of every
// current stack slot in a layout vector (-1 meaning "discard"), repeatedly
// popping a discarded top or swapping the top into its target position,
// until the top is already where it belongs.
func (sc *stmtCompiler) appendEpilogue(fn *ast.FunctionDefinition) error {
	c := sc.c
	if c.StackHeight() != sc.base {
		return internalErrorf("function %q: epilogue reached at height %d, expected %d", fn.Name, c.StackHeight(), sc.base)
	}

	argSize := ast.SizeOnStack(fn.Parameters)
	retSize := ast.SizeOnStack(fn.ReturnParameters)
	localSize := ast.SizeOnStack(fn.LocalVariables)

	layout := make([]int, 0, 1+argSize+retSize+localSize)
	layout = append(layout, retSize) // target of the return address
	for i := 0; i < argSize; i++ {
		layout = append(layout, -1)
	}
	for i := 0; i < retSize; i++ {
		layout = append(layout, i)
	}
	for i := 0; i < localSize; i++ {
		layout = append(layout, -1)
	}

	for len(layout) > 0 && layout[len(layout)-1] != len(layout)-1 {
		top := layout[len(layout)-1]
		if top < 0 {
			c.Pop()
			layout = layout[:len(layout)-1]
			continue
		}
		c.Swap(len(layout) - top - 1)
		layout[top], layout[len(layout)-1] = layout[len(layout)-1], layout[top]
	}
	c.Op(opcode.JUMP)
	return nil
}

func (sc *stmtCompiler) compileBlock(b *ast.Block) error {
	start := sc.c.StackHeight()
	for _, s := range b.Statements {
		if err := sc.compileStatement(s); err != nil {
			return err
		}
		if sc.c.StackHeight() != start {
			return internalErrorf("statement %T left the stack at height %d, expected %d", s, sc.c.StackHeight(), start)
		}
	}
	return nil
}

func (sc *stmtCompiler) compileStatement(s ast.Statement) error {
	switch st := s.(type) {
	case *ast.Block:
		return sc.compileBlock(st)
	case *ast.IfStatement:
		return sc.compileIf(st)
	case *ast.WhileStatement:
		return sc.compileWhile(st)
	case *ast.ForStatement:
		return sc.compileFor(st)
	case *ast.Continue:
		return sc.compileContinue(st)
	case *ast.Break:
		return sc.compileBreak(st)
	case *ast.Return:
		return sc.compileReturn(st)
	case *ast.VariableDefinition:
		return sc.compileVariableDefinition(st)
	case *ast.ExpressionStatement:
		return sc.compileExpressionStatement(st)
	default:
		return internalErrorf("unhandled statement kind %T", st)
	}
}

func (sc *stmtCompiler) compileIf(st *ast.IfStatement) error {
	c := sc.c
	if err := sc.gen.CompileExpression(c, st.Condition); err != nil {
		return err
	}
	// JUMPI takes the branch when the condition is truthy; lay out the
	// false branch inline and the true branch behind a jump so the
	// common single-branch `if` costs one conditional jump, not two.
	trueTag := c.NewTag()
	c.AppendConditionalJumpTo(trueTag)
	if st.False != nil {
		if err := sc.compileStatement(st.False); err != nil {
			return err
		}
	}
	if st.True == nil {
		c.PlaceTag(trueTag)
		return nil
	}
	endTag := c.AppendJumpToNew()
	c.PlaceTag(trueTag)
	if err := sc.compileStatement(st.True); err != nil {
		return err
	}
	c.PlaceTag(endTag)
	return nil
}

func (sc *stmtCompiler) compileWhile(st *ast.WhileStatement) error {
	c := sc.c
	loopStart := c.NewTag()
	loopEnd := c.NewTag()

	c.PlaceTag(loopStart)
	if err := sc.gen.CompileExpression(c, st.Condition); err != nil {
		return err
	}
	c.Op(opcode.ISZERO)
	c.AppendConditionalJumpTo(loopEnd)

	sc.breakTags = append(sc.breakTags, loopEnd)
	sc.continueTags = append(sc.continueTags, loopStart)
	err := sc.compileStatement(st.Body)
	sc.breakTags = sc.breakTags[:len(sc.breakTags)-1]
	sc.continueTags = sc.continueTags[:len(sc.continueTags)-1]
	if err != nil {
		return err
	}

	c.AppendJumpTo(loopStart)
	c.PlaceTag(loopEnd)
	return nil
}

// compileFor places loopStart at the condition test and emits Step at the
// end of the body, right before the back-jump - not between Step and a
// separate condition tag. continue targets loopStart directly, so it skips
// Step entirely. This is deliberately observable, not an oversight: it is
// what the reference behavior this core preserves actually does.
func (sc *stmtCompiler) compileFor(st *ast.ForStatement) error {
	c := sc.c
	if st.Init != nil {
		if err := sc.compileStatement(st.Init); err != nil {
			return err
		}
	}

	loopStart := c.NewTag()
	loopEnd := c.NewTag()

	c.PlaceTag(loopStart)
	if st.Condition != nil {
		if err := sc.gen.CompileExpression(c, st.Condition); err != nil {
			return err
		}
		c.Op(opcode.ISZERO)
		c.AppendConditionalJumpTo(loopEnd)
	}

	sc.breakTags = append(sc.breakTags, loopEnd)
	sc.continueTags = append(sc.continueTags, loopStart)
	err := sc.compileStatement(st.Body)
	sc.breakTags = sc.breakTags[:len(sc.breakTags)-1]
	sc.continueTags = sc.continueTags[:len(sc.continueTags)-1]
	if err != nil {
		return err
	}

	if st.Step != nil {
		if err := sc.compileStatement(st.Step); err != nil {
			return err
		}
	}
	c.AppendJumpTo(loopStart)
	c.PlaceTag(loopEnd)
	return nil
}

func (sc *stmtCompiler) compileContinue(st *ast.Continue) error {
	if len(sc.continueTags) == 0 {
		return newCompilerError(st.At, "continue statement not within a loop")
	}
	sc.c.AppendJumpTo(sc.continueTags[len(sc.continueTags)-1])
	return nil
}

func (sc *stmtCompiler) compileBreak(st *ast.Break) error {
	if len(sc.breakTags) == 0 {
		return newCompilerError(st.At, "break statement not within a loop")
	}
	sc.c.AppendJumpTo(sc.breakTags[len(sc.breakTags)-1])
	return nil
}

func (sc *stmtCompiler) compileReturn(st *ast.Return) error {
	c := sc.c
	retParams := c.CurrentReturnParameters()

	if st.Expression != nil {
		if len(retParams) != 1 {
			return newCompilerError(st.At, "return with a value requires exactly one return parameter, function declares %d", len(retParams))
		}
		if err := sc.gen.CompileExpression(c, st.Expression); err != nil {
			return err
		}
		if err := sc.gen.AppendTypeConversion(c, st.Expression.Type(), retParams[0].Typ, false); err != nil {
			return err
		}
		if err := MoveToStackVariable(c, retParams[0]); err != nil {
			return err
		}
	}

	// Every local in the function was reserved at entry, so the stack is
	// always exactly back at the function baseline here, regardless of
	// which nested block this return statement sits in.
	if c.StackHeight() != sc.base {
		return internalErrorf("return statement: stack height %d, expected function baseline %d", c.StackHeight(), sc.base)
	}
	c.AppendJumpTo(c.ReturnEpilogueTag())
	return nil
}

// compileVariableDefinition writes an initializer into a local's
// already-reserved, zero-initialized slot (see Context.StartNewFunction).
// It never allocates a new slot: that happened once, up front, for every
// local the function declares anywhere in its body.
func (sc *stmtCompiler) compileVariableDefinition(st *ast.VariableDefinition) error {
	c := sc.c
	if st.Expression == nil {
		return nil
	}
	if err := sc.gen.CompileExpression(c, st.Expression); err != nil {
		return err
	}
	if err := sc.gen.AppendTypeConversion(c, st.Expression.Type(), st.Declaration.Typ, false); err != nil {
		return err
	}
	return MoveToStackVariable(c, st.Declaration)
}

func (sc *stmtCompiler) compileExpressionStatement(st *ast.ExpressionStatement) error {
	c := sc.c
	before := c.StackHeight()
	if err := sc.gen.CompileExpression(c, st.Expression); err != nil {
		return err
	}
	// The expression's value is evaluated purely for effect; discard
	// whatever it left behind.
	PopStackSlots(c, c.StackHeight()-before)
	return nil
}
