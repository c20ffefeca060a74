package compiler

import (
	"math/big"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// Utils groups the memory/calldata addressing primitives shared by the
// function selector and the statement codegen: loading a typed value from
// memory or calldata onto the stack, storing one back, moving values
// between stack positions, and the padding arithmetic that keeps every
// load/store word-aligned. None of it depends on a particular Context
// instance, so these are plain functions over the Context they operate on
// rather than methods with private state of their own.

// PaddedWordCount returns the number of opcode.WordSize words needed to
// hold n bytes, rounding up.
func PaddedWordCount(n int) int {
	return (n + opcode.WordSize - 1) / opcode.WordSize
}

// PaddedSize rounds a byte count up to the next whole word.
func PaddedSize(n int) int {
	return PaddedWordCount(n) * opcode.WordSize
}

// LoadFromMemory emits code that loads a value of type t from the memory
// address on top of stack, replacing it with t.SizeOnStack() words. For a
// multi-word composite this loads each word in ascending address order,
// consuming the address once (it is re-derived via DUP before each load
// but the last) and leaving the loaded words on top, most significant
// (first) word deepest. A single-word value narrower than a full calldata
// word (ast.ShortText, say) is masked to its alignment after loading: the
// word it was packed into can carry stale neighbor bytes in the padding,
// and ast.LeftAligned(t) says which end holds them.
func LoadFromMemory(c *Context, t ast.Type) {
	words := t.SizeOnStack()
	for i := 0; i < words; i++ {
		if i < words-1 {
			c.Dup(1)
		}
		if i > 0 {
			c.PushInt(int64(i * opcode.WordSize))
			c.Op(opcode.ADD)
		}
		c.Op(opcode.MLOAD)
		if i < words-1 {
			c.Swap(1)
		}
	}
	if words == 1 {
		appendAlignmentMask(c, t)
	}
}

// LoadFromCalldata is LoadFromMemory's calldata-addressed counterpart, used
// by the calldata unpacker. t must be single-word (composites wider than
// one word are rejected earlier, in the selector, with a CompilerError);
// this is asserted defensively with an InternalError since reaching here
// with a wider type means the caller skipped that check.
func LoadFromCalldata(c *Context, t ast.Type) error {
	if t.SizeOnStack() != 1 {
		return internalErrorf("LoadFromCalldata called with a multi-word type %s", t)
	}
	c.Op(opcode.CALLDATALOAD)
	appendAlignmentMask(c, t)
	return nil
}

// StoreInMemory emits code that stores a t.SizeOnStack()-word value into
// memory at a given address. On entry the stack must have, from bottom to
// top: address, then the value's words in ascending-address order (most
// significant word deepest, as LoadFromMemory leaves them); both are
// consumed. As with LoadFromMemory, a single-word value is masked to its
// alignment immediately before the store reaches memory.
func StoreInMemory(c *Context, t ast.Type) {
	words := t.SizeOnStack()
	for i := 0; i < words; i++ {
		// stack: addr, w0, w1, ..., w(words-1-i)   (top = next word to store)
		if i == words-1 {
			if words == 1 {
				appendAlignmentMask(c, t)
			}
			c.Swap(1)
			c.Op(opcode.MSTORE)
			continue
		}
		c.Dup(words - i + 1)
		c.PushInt(int64((words - 1 - i) * opcode.WordSize))
		c.Op(opcode.ADD)
		c.Op(opcode.MSTORE)
	}
}

// appendAlignmentMask ANDs the word on top of stack against a mask that
// keeps exactly t's encoded bytes and zeroes the rest, on whichever end
// ast.LeftAligned(t) says the padding falls. A full-word type's mask is
// all ones, so the AND is skipped - nothing to clean up.
func appendAlignmentMask(c *Context, t ast.Type) {
	size := t.CalldataEncodedSize()
	if size >= opcode.WordSize {
		return
	}
	c.PushBig(alignmentMask(size, ast.LeftAligned(t)))
	c.Op(opcode.AND)
}

// alignmentMask returns a mask with exactly size bytes set to 0xff: the
// top (most significant) size bytes of the word if leftAligned, otherwise
// the bottom size bytes.
func alignmentMask(size int, leftAligned bool) *big.Int {
	bits := uint(size * 8)
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
	if leftAligned {
		mask.Lsh(mask, uint((opcode.WordSize-size)*8))
	}
	return mask
}

// CopyToStackTop duplicates the value bound to decl (occupying the
// decl.Typ.SizeOnStack() words that end at its bound offset, which is its
// shallowest word) onto the top of stack, in order, deepest word first.
func CopyToStackTop(c *Context, decl *ast.VariableDeclaration) error {
	off, err := c.VariableStackOffset(decl)
	if err != nil {
		return err
	}
	words := decl.Typ.SizeOnStack()
	for i := 0; i < words; i++ {
		depth := c.StackHeight() - 1 - (off - (words - 1) + i)
		c.Dup(depth + 1)
	}
	return nil
}

// MoveToStackVariable pops the top decl.Typ.SizeOnStack() words off the
// stack and writes them into decl's already-reserved slot (see
// Context.AddAndInitializeVariable), deepest word first matching
// CopyToStackTop's order. Used for plain (non-declaring) assignment to a
// local variable.
func MoveToStackVariable(c *Context, decl *ast.VariableDeclaration) error {
	off, err := c.VariableStackOffset(decl)
	if err != nil {
		return err
	}
	words := decl.Typ.SizeOnStack()
	// The new value's words sit on top, deepest-first; write the
	// shallowest (last) word first so each SWAP+POP only ever targets
	// the slot whose old value is now on top.
	for i := words - 1; i >= 0; i-- {
		depth := c.StackHeight() - 1 - (off - (words - 1 - i))
		c.Swap(depth)
		c.Pop()
	}
	return nil
}

// PopStackSlots discards n words from the top of stack.
func PopStackSlots(c *Context, n int) {
	for i := 0; i < n; i++ {
		c.Pop()
	}
}
