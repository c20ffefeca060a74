package compiler

import (
	"io"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/asm"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// CompiledContract is what a Compiler produces for one ContractDefinition:
// the creation bytecode (what gets sent to deploy the contract) and the
// runtime bytecode it installs (what every subsequent call executes).
type CompiledContract struct {
	Creation []byte
	Runtime  []byte
}

// Compiler assembles one ContractDefinition at a time. It is not
// reentrant: a Compiler owns exactly the runtime and creation Contexts it
// builds for the single CompileContract call in progress, and those
// Contexts are not meant to be reused across contracts. Compiling several
// contracts concurrently means using several Compilers.
type Compiler struct {
	gen ExpressionCodegen

	runtimeCtx  *Context
	creationCtx *Context
}

// NewCompiler returns a Compiler that lowers expressions through gen.
func NewCompiler(gen ExpressionCodegen) *Compiler {
	return &Compiler{gen: gen}
}

// RuntimeContext returns the Context the most recent CompileContract call
// used for runtime emission, or nil if none has run yet.
func (comp *Compiler) RuntimeContext() *Context { return comp.runtimeCtx }

// CreationContext is RuntimeContext's creation-side counterpart.
func (comp *Compiler) CreationContext() *Context { return comp.creationCtx }

// StreamAssembly writes a human-readable disassembly of the current
// (creation) context to w, matching what getAssembledBytecode would
// finalize had the compile already succeeded - useful for inspecting a
// compile that failed partway through the creation phase.
func (comp *Compiler) StreamAssembly(w io.Writer) error {
	return comp.creationCtx.StreamAssembly(w)
}

// CompileContract lowers contract into creation and runtime bytecode.
// compiledSubcontracts is forwarded to every Context so ExpressionCodegen
// can emit `new`-style contract creation against already-compiled
// sub-contracts; it may be nil if contract creates none.
func (comp *Compiler) CompileContract(contract *ast.ContractDefinition, compiledSubcontracts map[*ast.ContractDefinition][]byte) (*CompiledContract, error) {
	resolveOverride := buildOverrideResolver(contract)

	runtimeCtx, err := comp.compileRuntime(contract, compiledSubcontracts, resolveOverride)
	if err != nil {
		return nil, err
	}
	comp.runtimeCtx = runtimeCtx

	creationCtx, err := comp.compileCreation(contract, compiledSubcontracts, resolveOverride, runtimeCtx)
	if err != nil {
		return nil, err
	}
	comp.creationCtx = creationCtx

	runtimeBytes, err := runtimeCtx.GetAssembledBytecode()
	if err != nil {
		return nil, err
	}
	creationBytes, err := creationCtx.GetAssembledBytecode()
	if err != nil {
		return nil, err
	}
	return &CompiledContract{Creation: creationBytes, Runtime: runtimeBytes}, nil
}

// buildOverrideResolver scans contract's linearization most-derived first
// and returns the first non-constructor function named name, or nil. It is
// shared, unchanged, by both the runtime and creation contexts, and by the
// CallGraph used to size the creation context's function set - a single
// contract compile has exactly one notion of what an internal call to a
// given name reaches.
func buildOverrideResolver(contract *ast.ContractDefinition) OverrideResolver {
	return func(name string) *ast.FunctionDefinition {
		for _, base := range contract.Linearization {
			for _, fn := range base.DefinedFunctions() {
				if fn.Name == name {
					return fn
				}
			}
		}
		return nil
	}
}

// compileRuntime implements Phase 1: register state variables base-to-
// derived, register every non-constructor function up front so forward
// calls resolve to a real entry label, emit the dispatch table, then lower
// every registered function's body.
func (comp *Compiler) compileRuntime(contract *ast.ContractDefinition, compiledSubcontracts map[*ast.ContractDefinition][]byte, resolveOverride OverrideResolver) (*Context, error) {
	ctx := NewContext()
	ctx.SetCompiledContracts(compiledSubcontracts)
	ctx.SetOverrideResolver(resolveOverride)

	for i := len(contract.Linearization) - 1; i >= 0; i-- {
		for _, sv := range contract.Linearization[i].StateVariables {
			ctx.AddStateVariable(sv)
		}
	}

	var allFunctions []*ast.FunctionDefinition
	for _, base := range contract.Linearization {
		for _, fn := range base.DefinedFunctions() {
			ctx.AddFunction(fn)
			allFunctions = append(allFunctions, fn)
		}
	}

	if err := AppendFunctionSelector(ctx, contract, comp.gen); err != nil {
		return nil, err
	}

	for _, fn := range allFunctions {
		if err := CompileFunctionBody(ctx, fn, comp.gen); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// compileCreation implements Phase 2: register state variables base-to-
// derived (the same slots the runtime context assigns), capture each base's
// constructor arguments, size the creation context to exactly the functions
// the constructor chain can reach, emit that chain base-to-derived, attach
// the runtime context as a sub-assembly and copy it out as the installed
// code, and lower every function the chain needs.
func (comp *Compiler) compileCreation(contract *ast.ContractDefinition, compiledSubcontracts map[*ast.ContractDefinition][]byte, resolveOverride OverrideResolver, runtimeCtx *Context) (*Context, error) {
	ctx := NewContext()
	comp.creationCtx = ctx
	ctx.SetCompiledContracts(compiledSubcontracts)
	ctx.SetOverrideResolver(resolveOverride)

	for i := len(contract.Linearization) - 1; i >= 0; i-- {
		for _, sv := range contract.Linearization[i].StateVariables {
			ctx.AddStateVariable(sv)
		}
	}

	baseArgs := captureBaseConstructorArguments(contract)

	needed := constructorReachableFunctions(contract, baseArgs, comp.gen, resolveOverride)
	registerNeededFunctions(ctx, needed, resolveOverride)

	sub := ctx.AddSubroutine(runtimeCtx)

	// Base-to-derived constructor call chain: deepest base first, the
	// most-derived contract (index 0) called separately, last, by step 7.
	for i := len(contract.Linearization) - 1; i >= 1; i-- {
		base := contract.Linearization[i]
		ctor := base.Constructor()
		if ctor == nil {
			continue
		}
		if err := appendBaseConstructorCall(ctx, ctor, baseArgs[base], comp.gen); err != nil {
			return nil, err
		}
	}

	if ctor := contract.Constructor(); ctor != nil {
		if err := appendMostDerivedConstructorCall(ctx, ctor, comp.gen); err != nil {
			return nil, err
		}
	}

	appendDeployTail(ctx, sub)

	for _, fn := range needed {
		if err := CompileFunctionBody(ctx, fn, comp.gen); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// appendDeployTail emits the sequence that turns the creation context's
// execution into a deploy: copy sub's assembled bytes (the finalized
// runtime context) into memory starting at 0, then RETURN that region so
// the caller installs it as the contract's code.
func appendDeployTail(ctx *Context, sub asm.Sub) {
	ctx.PushSubroutineSize(sub)
	ctx.Dup(1)
	ctx.PushSubroutineOffset(sub)
	ctx.PushInt(0)
	ctx.Op(opcode.CODECOPY)
	ctx.PushInt(0)
	ctx.Op(opcode.RETURN)
}

// captureBaseConstructorArguments walks contract's linearization
// most-derived first, recording the argument expressions each base's
// constructor is to be called with. The first inheritance specifier seen
// for a given base wins; a re-specification of the same base further down
// the linearization (a base re-declaring how it constructs a grandbase, for
// instance) is ignored, since the most-derived contract's view of how its
// bases are constructed always takes precedence.
func captureBaseConstructorArguments(contract *ast.ContractDefinition) map[*ast.ContractDefinition][]ast.Expression {
	captured := map[*ast.ContractDefinition][]ast.Expression{}
	visited := map[*ast.ContractDefinition]bool{}
	for _, c := range contract.Linearization {
		for _, spec := range c.BaseContracts {
			if visited[spec.Base] {
				continue
			}
			visited[spec.Base] = true
			captured[spec.Base] = spec.Arguments
		}
	}
	return captured
}

// constructorReachableFunctions computes the set of functions the
// constructor chain can reach: every contract's own constructor (each is
// called exactly once, see compileCreation), plus whatever those
// constructor bodies and base-argument expressions call, transitively,
// with every call edge substituted through resolveOverride.
func constructorReachableFunctions(contract *ast.ContractDefinition, baseArgs map[*ast.ContractDefinition][]ast.Expression, gen ExpressionCodegen, resolveOverride OverrideResolver) []*ast.FunctionDefinition {
	graph := NewExpressionDrivenCallGraph(gen, resolveOverride)

	var roots []*ast.FunctionDefinition
	for _, base := range contract.Linearization {
		if ctor := base.Constructor(); ctor != nil {
			roots = append(roots, ctor)
		}
	}
	// Walk Linearization, not baseArgs itself: baseArgs is a map, and Go
	// randomizes map iteration order, which would otherwise leak into
	// roots' order and hence into Closure's output order - the entry
	// labels the creation context allocates for these functions must be
	// the same on every compile of the same AST.
	for _, base := range contract.Linearization {
		for _, arg := range baseArgs[base] {
			roots = append(roots, gen.CalledFunctions(arg)...)
		}
	}
	return graph.Closure(roots)
}

// registerNeededFunctions registers exactly the functions the constructor
// chain will actually call into ctx, in two passes: first any override
// that is itself in needed (so the override owns the canonical entry
// label), then every constructor and every non-overridden function. Order
// follows needed's own (deterministic) order so repeated compiles of the
// same AST allocate entry labels identically.
func registerNeededFunctions(ctx *Context, needed []*ast.FunctionDefinition, resolveOverride OverrideResolver) {
	inNeeded := map[*ast.FunctionDefinition]bool{}
	for _, fn := range needed {
		inNeeded[fn] = true
	}

	var order []*ast.FunctionDefinition
	seen := map[*ast.FunctionDefinition]bool{}
	add := func(fn *ast.FunctionDefinition) {
		if !seen[fn] {
			seen[fn] = true
			order = append(order, fn)
		}
	}

	for _, fn := range needed {
		if fn.IsConstructor {
			continue
		}
		if ov := resolveOverride(fn.Name); ov != nil && ov != fn && inNeeded[ov] {
			add(ov)
		}
	}
	for _, fn := range needed {
		if fn.IsConstructor {
			add(fn)
			continue
		}
		if ov := resolveOverride(fn.Name); ov != nil && ov != fn && inNeeded[ov] {
			continue // shadowed by a reachable override, already added above
		}
		add(fn)
	}

	for _, fn := range order {
		ctx.AddFunction(fn)
	}
}

// appendBaseConstructorCall emits a call to a base constructor: a return
// tag, each captured argument evaluated and converted to the matching
// parameter type, the jump to the constructor's entry label, then the
// landing point.
func appendBaseConstructorCall(ctx *Context, ctor *ast.FunctionDefinition, args []ast.Expression, gen ExpressionCodegen) error {
	entryLabel, err := ctx.GetFunctionEntryLabel(ctor)
	if err != nil {
		return err
	}
	returnTag := ctx.PushNewTag()
	for i, arg := range args {
		if err := gen.CompileExpression(ctx, arg); err != nil {
			return err
		}
		if i < len(ctor.Parameters) {
			if err := gen.AppendTypeConversion(ctx, arg.Type(), ctor.Parameters[i].Typ, false); err != nil {
				return err
			}
		}
	}
	ctx.AppendJumpTo(entryLabel)
	ctx.PlaceCallReturnTag(returnTag, ast.SizeOnStack(ctor.Parameters), ast.SizeOnStack(ctor.ReturnParameters))
	return nil
}

// appendMostDerivedConstructorCall emits the call to contract's own
// constructor. Unlike a base constructor, its arguments were never
// evaluated by anyone's `is Base(...)` specifier - they are the contract's
// own deploy-time constructor arguments, appended after the creation
// code's own image and copied out of the tail of the deployed code into
// memory before being unpacked exactly like calldata.
func appendMostDerivedConstructorCall(ctx *Context, ctor *ast.FunctionDefinition, gen ExpressionCodegen) error {
	entryLabel, err := ctx.GetFunctionEntryLabel(ctor)
	if err != nil {
		return err
	}
	returnTag := ctx.PushNewTag()
	if len(ctor.Parameters) > 0 {
		appendConstructorArgumentRelocation(ctx, ctor)
		if err := AppendCalldataUnpacker(ctx, ctor.Parameters, true); err != nil {
			return err
		}
	}
	ctx.AppendJumpTo(entryLabel)
	ctx.PlaceCallReturnTag(returnTag, ast.SizeOnStack(ctor.Parameters), ast.SizeOnStack(ctor.ReturnParameters))
	return nil
}

// appendConstructorArgumentRelocation copies the constructor's packed
// argument bytes - appended after the *entire* creation image (main stream
// plus the attached runtime sub-assembly) at deploy time, the same
// convention the deployer uses for every other constructor argument block -
// into memory at the conventional calldata-unpacker offset. The source
// offset is this context's full finalized program size (PushProgramSize,
// main plus every attached sub), resolved by the assembler once the full
// item stream is known; using the context's own size alone would point at
// the start of the attached runtime sub instead of past it. The length is
// the padded calldata size of the constructor's parameters.
//
// CODECOPY's operands are popped destOffset, offset, length (destOffset on
// top), so they are pushed in the reverse order: length, then offset, then
// destOffset.
func appendConstructorArgumentRelocation(ctx *Context, ctor *ast.FunctionDefinition) {
	size := 0
	for _, p := range ctor.Parameters {
		size += PaddedSize(p.Typ.CalldataEncodedSize())
	}
	ctx.PushInt(int64(size))
	ctx.PushProgramSize()
	ctx.PushInt(int64(opcode.DataStartOffset))
	ctx.Op(opcode.CODECOPY)
}
