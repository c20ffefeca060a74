package compiler

import (
	"math/big"
	"sort"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/asm"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// selectorHashDivisor isolates the top 4 bytes of a 32-byte calldata word
// as a right-aligned integer: calldata[0:32] loaded whole has the
// signature hash in its top 4 bytes followed by the first argument's
// bytes, so dividing by 2^224 shifts the hash down to the low end. The SVM
// has no dedicated shift-right opcode, so DIV by this power of two stands
// in for it; CompilerUtils has no other consumer that would want a real
// SHR badly enough to justify adding one opcode just for this prologue.
var selectorHashDivisor = new(big.Int).Lsh(big.NewInt(1), 224)

// AppendFunctionSelector emits the runtime dispatch prologue into c: load
// the incoming call's 4-byte signature hash, compare it against every
// entry in contract's interface table in a fixed (hash-sorted, so
// Idempotence holds across compiles) order, and land in a per-entry
// unpack/call/pack sequence on a match. No match falls through to STOP.
func AppendFunctionSelector(c *Context, contract *ast.ContractDefinition, gen ExpressionCodegen) error {
	type entry struct {
		hash [4]byte
		fn   *ast.FunctionDefinition
	}
	entries := make([]entry, 0, len(contract.InterfaceFunctions))
	for h, fn := range contract.InterfaceFunctions {
		entries = append(entries, entry{hash: h, fn: fn})
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].hash[:]) < string(entries[j].hash[:])
	})

	// Two scratch words the original prologue always leaves on the stack
	// ahead of the hash, unused by this core's dispatch but kept for
	// fidelity to the reference layout.
	c.PushInt(1)
	c.PushInt(0)
	c.PushInt(0)
	c.Op(opcode.CALLDATALOAD)
	c.PushBig(selectorHashDivisor)
	c.Op(opcode.DIV)

	entryTags := make([]asm.Tag, len(entries))
	for i, e := range entries {
		entryTags[i] = c.NewTag()
		c.Dup(1)
		c.PushBig(new(big.Int).SetBytes(e.hash[:]))
		c.Op(opcode.EQ)
		c.AppendConditionalJumpTo(entryTags[i])
	}
	c.Op(opcode.STOP)

	for i, e := range entries {
		c.PlaceTag(entryTags[i])
		if err := appendSelectorLanding(c, e.fn, gen); err != nil {
			return err
		}
	}
	return nil
}

// appendSelectorLanding unpacks calldata into fn's parameters, calls it
// through the standard internal calling convention, and packs its return
// values back into memory for RETURN.
func appendSelectorLanding(c *Context, fn *ast.FunctionDefinition, gen ExpressionCodegen) error {
	entryLabel, err := c.GetFunctionEntryLabel(fn)
	if err != nil {
		return err
	}

	returnTag := c.PushNewTag()
	if err := AppendCalldataUnpacker(c, fn.Parameters, false); err != nil {
		return err
	}
	c.AppendJumpTo(entryLabel)
	c.PlaceCallReturnTag(returnTag, ast.SizeOnStack(fn.Parameters), ast.SizeOnStack(fn.ReturnParameters))
	// The callee's epilogue leaves its return values on top of the stack,
	// first return parameter deepest; bind them here so the packer can
	// address them.
	top := c.StackHeight() - ast.SizeOnStack(fn.ReturnParameters)
	for _, r := range fn.ReturnParameters {
		top += r.Typ.SizeOnStack()
		c.variables[r] = top - 1
	}
	return AppendReturnValuePacker(c, fn.ReturnParameters, gen)
}

// AppendCalldataUnpacker loads params from calldata (or, if fromMemory,
// from memory at the same conventional offset - used by the constructor's
// own argument unpacking in the creation context) starting right after the
// signature hash, binding each as a local variable in declaration order,
// via LoadFromCalldata/LoadFromMemory. A parameter whose calldata-encoded
// size exceeds one word is rejected with a CompilerError: the unpacker
// only ever loads a single word per parameter.
func AppendCalldataUnpacker(c *Context, params []*ast.VariableDeclaration, fromMemory bool) error {
	offset := opcode.DataStartOffset
	for _, p := range params {
		size := p.Typ.CalldataEncodedSize()
		if size > opcode.WordSize {
			return newCompilerError(p.At, "parameter %q of type %s does not fit in one word (%d bytes encoded)", p.Name, p.Typ, size)
		}
		c.PushInt(int64(offset))
		if fromMemory {
			LoadFromMemory(c, p.Typ)
		} else if err := LoadFromCalldata(c, p.Typ); err != nil {
			return err
		}
		c.AddVariable(p)
		offset += PaddedSize(size)
	}
	return nil
}

// AppendReturnValuePacker copies each return parameter to memory starting
// at offset 0, in declaration order, cleaning up its representation first
// and storing it with StoreInMemory, then returns the packed region. A
// return parameter whose calldata-encoded size exceeds one word is rejected
// with a CompilerError, as in AppendCalldataUnpacker.
func AppendReturnValuePacker(c *Context, returnParams []*ast.VariableDeclaration, gen ExpressionCodegen) error {
	offset := 0
	for _, r := range returnParams {
		if size := r.Typ.CalldataEncodedSize(); size > opcode.WordSize {
			return newCompilerError(r.At, "return parameter %q of type %s does not fit in one word (%d bytes encoded)", r.Name, r.Typ, size)
		}
		c.PushInt(int64(offset))
		if err := CopyToStackTop(c, r); err != nil {
			return err
		}
		if err := gen.AppendTypeConversion(c, r.Typ, r.Typ, true); err != nil {
			return err
		}
		StoreInMemory(c, r.Typ)
		offset += PaddedSize(r.Typ.CalldataEncodedSize())
	}
	c.PushInt(int64(offset))
	c.PushInt(0)
	c.Op(opcode.RETURN)
	return nil
}
