package compiler

import (
	"io"
	"math/big"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/asm"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// Context is the compile-time state threaded through one assembly: the
// item stream (via the embedded Assembly), the virtual stack-height model,
// in-scope variable bindings, the function-entry label table, the
// state-variable slot map and the registry of already-compiled
// sub-contracts. A Compiler owns two of these (creation and runtime) over
// its lifetime; see Compiler in assembler.go.
type Context struct {
	asm *asm.Assembly

	// stackHeight is the number of words on the virtual stack above the
	// baseline set by the last StartNewFunction call.
	stackHeight int

	// variables maps an in-scope declaration to its offset from the
	// current frame's baseline (0 = first word pushed after the baseline).
	variables map[*ast.VariableDeclaration]int

	funcEntryLabels map[*ast.FunctionDefinition]asm.Tag

	stateVarSlots map[*ast.VariableDeclaration]int
	nextSlot      int

	// compiledContracts lets ExpressionCodegen emit `new`-style contract
	// creation; the core only stores and forwards it.
	compiledContracts map[*ast.ContractDefinition][]byte

	// currentFunction, returnEpilogueTag and returnParams describe the
	// function currently being compiled, for Return statements and the
	// final epilogue reshuffle (see StatementCodegen in statement.go) to
	// consult. All three are set by StartNewFunction.
	currentFunction   *ast.FunctionDefinition
	returnEpilogueTag asm.Tag
	returnParams      []*ast.VariableDeclaration

	// resolveOverride maps a function name to the function that a
	// same-contract call to that name must actually reach: the first
	// match scanning the compiled contract's linearization most-derived
	// first. Set once per contract compile by the ContractAssembler and
	// consulted by ExpressionCodegen for every internal call, which is
	// what makes override dominance observable uniformly rather than
	// only inside constructors.
	resolveOverride func(name string) *ast.FunctionDefinition
}

// NewContext returns an empty context ready for state-variable registration.
func NewContext() *Context {
	return &Context{
		asm:               asm.New(),
		variables:         map[*ast.VariableDeclaration]int{},
		funcEntryLabels:   map[*ast.FunctionDefinition]asm.Tag{},
		stateVarSlots:     map[*ast.VariableDeclaration]int{},
		compiledContracts: map[*ast.ContractDefinition][]byte{},
	}
}

// Assembly exposes the underlying item stream for the few collaborators
// (CompilerUtils, ExpressionCodegen) that need to append raw opcodes.
func (c *Context) Assembly() *asm.Assembly { return c.asm }

// StackHeight returns the current virtual stack height above the active
// function's baseline.
func (c *Context) StackHeight() int { return c.stackHeight }

// --- tags and jumps, delegating to the Assembly but tracking the model ---

// NewTag allocates a fresh, undefined tag.
func (c *Context) NewTag() asm.Tag { return c.asm.NewTag() }

// PlaceTag defines tag at the current position.
func (c *Context) PlaceTag(tag asm.Tag) { c.asm.DefineTag(tag) }

// PushNewTag allocates a tag, pushes its address and returns it for later
// placement. Net stack effect: +1.
func (c *Context) PushNewTag() asm.Tag {
	tag := c.asm.PushNewTag()
	c.stackHeight++
	return tag
}

// AppendJumpTo emits an unconditional jump to tag. Net stack effect: 0
// (the pushed destination address is consumed by JUMP itself).
func (c *Context) AppendJumpTo(tag asm.Tag) {
	c.asm.AppendJumpTo(tag)
}

// AppendConditionalJumpTo emits a conditional jump to tag, consuming the
// condition already on top of stack. Net stack effect: -1 (address pushed,
// then both address and condition consumed by JUMPI).
func (c *Context) AppendConditionalJumpTo(tag asm.Tag) {
	c.asm.AppendConditionalJumpTo(tag)
	c.stackHeight--
}

// AppendJumpToNew allocates a tag, jumps to it and returns it unplaced.
func (c *Context) AppendJumpToNew() asm.Tag {
	tag := c.NewTag()
	c.AppendJumpTo(tag)
	return tag
}

// AppendConditionalJumpToNew allocates a tag, conditionally jumps to it
// (consuming the condition on top of stack) and returns it unplaced.
func (c *Context) AppendConditionalJumpToNew() asm.Tag {
	tag := c.NewTag()
	c.AppendConditionalJumpTo(tag)
	return tag
}

// Op appends a bare opcode and adjusts the stack model by its fixed delta.
// PUSH/DUP/SWAP have variable deltas and must go through PushInt/PushBytes/
// Dup/Swap instead.
func (c *Context) Op(op opcode.Opcode) {
	c.asm.Op(op)
	c.stackHeight += opcode.StackDelta(op)
}

// PushInt pushes a non-negative integer literal. Net stack effect: +1.
func (c *Context) PushInt(v int64) {
	c.asm.PushInt(v)
	c.stackHeight++
}

// PushBig pushes an arbitrary non-negative literal wider than fits in an
// int64. Net stack effect: +1.
func (c *Context) PushBig(v *big.Int) {
	c.asm.PushBig(v)
	c.stackHeight++
}

// PushBytes pushes an arbitrary (<=32 byte) literal. Net stack effect: +1.
func (c *Context) PushBytes(b []byte) {
	c.asm.PushBytes(b)
	c.stackHeight++
}

// Dup duplicates the item n slots below the top (1 = the top itself) onto
// the top. Net stack effect: +1.
func (c *Context) Dup(n int) {
	c.asm.Op(opcode.DupN(n))
	c.stackHeight++
}

// Swap exchanges the top item with the one n slots below it (1 = the item
// directly underneath). Net stack effect: 0.
func (c *Context) Swap(n int) {
	c.asm.Op(opcode.SwapN(n))
}

// Pop discards the top word. Net stack effect: -1.
func (c *Context) Pop() {
	c.asm.Op(opcode.POP)
	c.stackHeight--
}

// PushOwnCodeSize pushes the byte length of this context's own finalized
// bytecode (excluding any attached sub-assemblies). Net stack effect: +1.
func (c *Context) PushOwnCodeSize() {
	c.asm.PushOwnSize()
	c.stackHeight++
}

// PushProgramSize pushes the byte length of this context's full finalized
// bytecode, including every attached sub-assembly. The creation context
// must use this, not PushOwnCodeSize, to locate deploy-time constructor
// arguments: the deployer appends them after the entire creation image, and
// the creation context attaches the runtime context as a sub-assembly, so
// PushOwnCodeSize alone would land inside the attached runtime bytes
// instead of past them. Net stack effect: +1.
func (c *Context) PushProgramSize() {
	c.asm.PushProgramSize()
	c.stackHeight++
}

// PlaceCallReturnTag places tag - previously obtained from PushNewTag right
// before an internal call's arguments were pushed - at the landing point of
// that call, and corrects the virtual-stack model for what the callee's own
// epilogue actually did to the real stack: consumed the return address and
// all argSize words of arguments, and left retSize words of return values
// in their place. Op/AppendJumpTo have no way to know a jump is a call
// rather than ordinary control flow, so every internal call site must
// restore the model itself, here, once it knows argSize and retSize.
func (c *Context) PlaceCallReturnTag(tag asm.Tag, argSize, retSize int) {
	c.PlaceTag(tag)
	c.stackHeight += retSize - argSize - 1
}

// AddSubroutine attaches sub as a nested sub-assembly.
func (c *Context) AddSubroutine(sub *Context) asm.Sub {
	return c.asm.AddSubroutine(sub.asm)
}

// PushSubroutineSize pushes the assembled byte length of a sub-assembly
// attached via AddSubroutine. Net stack effect: +1.
func (c *Context) PushSubroutineSize(sub asm.Sub) {
	c.asm.PushSubSize(sub)
	c.stackHeight++
}

// PushSubroutineOffset pushes the absolute offset, in this context's
// finalized bytecode, at which sub's bytecode begins. Net stack effect: +1.
func (c *Context) PushSubroutineOffset(sub asm.Sub) {
	c.asm.PushSubOffset(sub)
	c.stackHeight++
}

// --- functions ---

// AddFunction registers fn, allocating a stable entry label the first time
// it is seen. Registration is idempotent by identity: calling it again for
// the same *ast.FunctionDefinition is a no-op.
func (c *Context) AddFunction(fn *ast.FunctionDefinition) asm.Tag {
	if tag, ok := c.funcEntryLabels[fn]; ok {
		return tag
	}
	tag := c.NewTag()
	c.funcEntryLabels[fn] = tag
	return tag
}

// IsFunctionRegistered reports whether fn has an entry label in this
// context.
func (c *Context) IsFunctionRegistered(fn *ast.FunctionDefinition) bool {
	_, ok := c.funcEntryLabels[fn]
	return ok
}

// GetFunctionEntryLabel returns fn's entry label. fn must already be
// registered via AddFunction; an unregistered lookup is an InternalError
// because it means the contract assembler's closure computation missed a
// call edge.
func (c *Context) GetFunctionEntryLabel(fn *ast.FunctionDefinition) (asm.Tag, error) {
	tag, ok := c.funcEntryLabels[fn]
	if !ok {
		return 0, internalErrorf("function %q was never registered with this context", fn.Name)
	}
	return tag, nil
}

// SetOverrideResolver installs the name->final-override lookup used for
// internal calls. See the resolveOverride field doc.
func (c *Context) SetOverrideResolver(resolve func(name string) *ast.FunctionDefinition) {
	c.resolveOverride = resolve
}

// ResolveOverride looks up the final override for an internal call to
// name, or nil if resolution hasn't been configured or nothing matches.
func (c *Context) ResolveOverride(name string) *ast.FunctionDefinition {
	if c.resolveOverride == nil {
		return nil
	}
	return c.resolveOverride(name)
}

// StartNewFunction places fn's entry label and establishes its calling
// convention: on entry the stack holds, bottom to top, the caller's return
// address followed by fn's parameters in declaration order (each occupying
// Typ.SizeOnStack() words). StartNewFunction binds the return address's
// frame offset (always 0), binds every parameter, zero-initializes and
// binds every return parameter, and allocates a fresh epilogue tag for
// Return statements (see StatementCodegen.CompileFunctionBody) to target.
func (c *Context) StartNewFunction(fn *ast.FunctionDefinition) error {
	tag, err := c.GetFunctionEntryLabel(fn)
	if err != nil {
		return err
	}
	c.variables = map[*ast.VariableDeclaration]int{}
	c.PlaceTag(tag)

	c.stackHeight = 1 // the return address, pushed by the caller
	for _, p := range fn.Parameters {
		c.stackHeight += p.Typ.SizeOnStack()
		c.variables[p] = c.stackHeight - 1
	}
	for _, r := range fn.ReturnParameters {
		c.AddAndInitializeVariable(r)
	}
	// Every local variable in the function, including ones declared deep
	// inside nested blocks, is reserved and zero-initialized up front.
	// fn.LocalVariables is expected to already list them all, pre-scanned
	// by the AST builder; a VariableDefinition statement only ever writes
	// into its slot, never allocates one.
	for _, l := range fn.LocalVariables {
		c.AddAndInitializeVariable(l)
	}

	c.currentFunction = fn
	c.returnParams = fn.ReturnParameters
	c.returnEpilogueTag = c.NewTag()
	return nil
}

// ReturnEpilogueTag returns the tag a Return statement in the function
// currently being compiled must jump to.
func (c *Context) ReturnEpilogueTag() asm.Tag { return c.returnEpilogueTag }

// CurrentReturnParameters returns the return parameter declarations of the
// function currently being compiled.
func (c *Context) CurrentReturnParameters() []*ast.VariableDeclaration { return c.returnParams }

// ReturnAddressOffset is the frame offset of the caller-pushed return
// address, constant across every function by the calling convention
// StartNewFunction establishes.
const ReturnAddressOffset = 0

// --- variables ---

// AddVariable binds decl to the current top-of-stack position. No code is
// emitted; the caller is responsible for having already pushed decl's
// value (or for it already being part of the incoming stack, e.g. a
// parameter).
func (c *Context) AddVariable(decl *ast.VariableDeclaration) {
	c.variables[decl] = c.stackHeight - 1
}

// AddAndInitializeVariable reserves decl's slot by pushing zero words sized
// to its stack footprint, then binds it like AddVariable.
func (c *Context) AddAndInitializeVariable(decl *ast.VariableDeclaration) {
	for i := 0; i < decl.Typ.SizeOnStack(); i++ {
		c.PushInt(0)
	}
	c.variables[decl] = c.stackHeight - 1
}

// IsLocalVariable reports whether decl is bound in the current frame
// (a parameter, return parameter or local variable) rather than a state
// variable.
func (c *Context) IsLocalVariable(decl *ast.VariableDeclaration) bool {
	_, ok := c.variables[decl]
	return ok
}

// VariableStackOffset returns decl's offset from the current frame's
// baseline (not from the top - callers needing a depth-from-top distance
// should subtract from StackHeight()-1).
func (c *Context) VariableStackOffset(decl *ast.VariableDeclaration) (int, error) {
	off, ok := c.variables[decl]
	if !ok {
		return 0, internalErrorf("variable %q is not bound in the current frame", decl.Name)
	}
	return off, nil
}

// --- state variables ---

// AddStateVariable assigns decl the next sequential persistent-storage slot.
func (c *Context) AddStateVariable(decl *ast.VariableDeclaration) int {
	slot := c.nextSlot
	c.stateVarSlots[decl] = slot
	c.nextSlot++
	return slot
}

// StateVariableSlot returns decl's assigned storage slot.
func (c *Context) StateVariableSlot(decl *ast.VariableDeclaration) (int, error) {
	slot, ok := c.stateVarSlots[decl]
	if !ok {
		return 0, internalErrorf("state variable %q has no assigned storage slot", decl.Name)
	}
	return slot, nil
}

// SetCompiledContracts installs the contract -> bytecode registry
// ExpressionCodegen consults when lowering `new`-style contract creation.
func (c *Context) SetCompiledContracts(m map[*ast.ContractDefinition][]byte) {
	c.compiledContracts = m
}

// CompiledContracts returns the registry installed by SetCompiledContracts.
func (c *Context) CompiledContracts() map[*ast.ContractDefinition][]byte {
	return c.compiledContracts
}

// GetAssembledBytecode finalizes this context: resolves every tag and
// sub-assembly reference and returns the final byte image.
func (c *Context) GetAssembledBytecode() ([]byte, error) {
	return c.asm.Assemble()
}

// StreamAssembly writes a human-readable disassembly of this context's
// item stream to w, for diagnostics - it never fails on unresolved tags,
// unlike GetAssembledBytecode, so it can be used to inspect a context
// that failed to finalize.
func (c *Context) StreamAssembly(w io.Writer) error {
	return c.asm.StreamAssembly(w)
}
