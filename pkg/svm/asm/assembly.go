// Package asm implements the low-level assembly-item stream shared by the
// creation and runtime contexts: tag allocation, jump emission, nested
// sub-assemblies and final byte-code linking.
//
// An Assembly is an append-only sequence of items. Items are either a plain
// opcode, a literal push, a reference to a tag (resolved to that tag's
// absolute byte offset once the stream is finalized), the definition of a
// tag, or a reference to an attached sub-assembly's size or link-time
// offset. Resolution happens in two passes: the first walks the item list
// to compute every tag's and every sub's byte offset (all variable-width
// items are pinned to a fixed 2-byte encoding so a single pass suffices,
// unlike a true fixed-point linker), the second re-walks the list emitting
// bytes with push/sub references substituted in.
package asm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// Tag is a compile-time label. The zero value is not a valid tag.
type Tag int

// Sub identifies a sub-assembly attached via AddSubroutine.
type Sub int

type itemKind byte

const (
	kOpcode itemKind = iota
	kPush
	kPushTag
	kDefineTag
	kPushSubSize
	kPushSubOffset
	kPushOwnSize
	kPushProgramSize
)

type item struct {
	kind  itemKind
	op    opcode.Opcode
	value []byte
	tag   Tag
	sub   Sub
}

// tagRefWidth is the fixed byte width used to encode every pushed tag
// address or sub-assembly reference. Two bytes bounds a single context to
// 64KiB, comfortably above anything this compiler emits.
const tagRefWidth = 2

// Assembly is one linearly-emitted, independently-finalizable code stream.
type Assembly struct {
	items   []item
	nextTag Tag
	defined map[Tag]bool
	subs    []*Assembly
}

// New returns an empty Assembly.
func New() *Assembly {
	return &Assembly{defined: map[Tag]bool{}}
}

// NewTag allocates a fresh tag without defining it or appending anything.
func (a *Assembly) NewTag() Tag {
	a.nextTag++
	return a.nextTag
}

// DefineTag places tag at the current position. It panics if the tag has
// already been placed.
func (a *Assembly) DefineTag(tag Tag) {
	if a.defined[tag] {
		panic(fmt.Sprintf("internal error: tag %d defined twice", tag))
	}
	a.defined[tag] = true
	a.items = append(a.items, item{kind: kDefineTag, tag: tag})
}

// PushNewTag allocates a fresh tag, appends a push of its (not yet known)
// address, and returns it. The caller must DefineTag it later.
func (a *Assembly) PushNewTag() Tag {
	tag := a.NewTag()
	a.PushTag(tag)
	return tag
}

// PushTag appends a push of tag's eventual address.
func (a *Assembly) PushTag(tag Tag) {
	a.items = append(a.items, item{kind: kPushTag, tag: tag})
}

// Op appends a single opcode with no operand.
func (a *Assembly) Op(op opcode.Opcode) {
	a.items = append(a.items, item{kind: kOpcode, op: op})
}

// PushInt appends a push of a non-negative integer literal, encoded with the
// narrowest PUSHn that fits.
func (a *Assembly) PushInt(v int64) {
	a.PushBig(big.NewInt(v))
}

// PushBig appends a push of an arbitrary non-negative literal.
func (a *Assembly) PushBig(v *big.Int) {
	b := v.Bytes()
	if len(b) > 32 {
		panic("internal error: literal does not fit in a word")
	}
	a.items = append(a.items, item{kind: kPush, value: b})
}

// PushBytes appends a push of a literal byte string. It is the caller's
// responsibility to keep it within a single word (<=32 bytes); this is used
// for small literals, not arbitrary-length data blobs.
func (a *Assembly) PushBytes(b []byte) {
	if len(b) > 32 {
		panic("internal error: literal does not fit in a word")
	}
	a.items = append(a.items, item{kind: kPush, value: append([]byte(nil), b...)})
}

// AppendJumpTo emits push(tag); JUMP.
func (a *Assembly) AppendJumpTo(tag Tag) {
	a.PushTag(tag)
	a.Op(opcode.JUMP)
}

// AppendConditionalJumpTo emits push(tag); JUMPI.
func (a *Assembly) AppendConditionalJumpTo(tag Tag) {
	a.PushTag(tag)
	a.Op(opcode.JUMPI)
}

// AppendJumpToNew allocates a tag, emits a jump to it and returns it for the
// caller to place later.
func (a *Assembly) AppendJumpToNew() Tag {
	tag := a.NewTag()
	a.AppendJumpTo(tag)
	return tag
}

// AppendConditionalJumpToNew allocates a tag, emits a conditional jump to it
// and returns it for the caller to place later.
func (a *Assembly) AppendConditionalJumpToNew() Tag {
	tag := a.NewTag()
	a.AppendConditionalJumpTo(tag)
	return tag
}

// AddSubroutine attaches asm as a nested, independently-finalized
// sub-assembly and returns a handle for it. The handle's size can be pushed
// with PushSubSize; once this Assembly is finalized, the sub's bytecode is
// appended after the main stream and PushSubOffset resolves to where it
// begins.
func (a *Assembly) AddSubroutine(sub *Assembly) Sub {
	a.subs = append(a.subs, sub)
	return Sub(len(a.subs) - 1)
}

// PushSubSize appends a push of sub's assembled byte length.
func (a *Assembly) PushSubSize(sub Sub) {
	a.items = append(a.items, item{kind: kPushSubSize, sub: sub})
}

// PushSubOffset appends a push of the absolute offset, within this
// Assembly's finalized bytecode, at which sub's bytecode begins.
func (a *Assembly) PushSubOffset(sub Sub) {
	a.items = append(a.items, item{kind: kPushSubOffset, sub: sub})
}

// PushOwnSize appends a push of this Assembly's own finalized byte length,
// not counting any attached sub-assemblies' bytes, which follow it in the
// image. For locating bytes the deployer appends after the *whole* program
// (main stream plus every attached sub), use PushProgramSize instead.
func (a *Assembly) PushOwnSize() {
	a.items = append(a.items, item{kind: kPushOwnSize})
}

// PushProgramSize appends a push of this Assembly's full finalized byte
// length, including every attached sub-assembly's bytes. This is what a
// constructor must use to locate deploy-time arguments the deployer appends
// after the *entire* creation image (main stream plus the runtime
// sub-assembly) - using PushOwnSize there would land inside the attached
// runtime bytes instead of past them. Matches the original's
// appendProgramSize().
func (a *Assembly) PushProgramSize() {
	a.items = append(a.items, item{kind: kPushProgramSize})
}

// Len returns the number of assembly items emitted so far, for diagnostics.
func (a *Assembly) Len() int {
	return len(a.items)
}

// itemSize returns the byte footprint a single item occupies in the final
// image, given already-resolved sub sizes.
func (a *Assembly) itemSize(it item, subSizes []int) int {
	switch it.kind {
	case kOpcode:
		return 1
	case kDefineTag:
		return 1 // emits a JUMPDEST marker
	case kPush:
		n := len(it.value)
		return 1 + n // PUSHn opcode + n bytes (n==0 is PUSH0, still 1 byte total)
	case kPushTag, kPushSubOffset, kPushSubSize, kPushOwnSize, kPushProgramSize:
		return 1 + tagRefWidth
	default:
		panic("internal error: unknown assembly item kind")
	}
}

// Assemble resolves every tag and sub-assembly reference and returns the
// final byte image. It returns an error if a pushed tag was never defined
// in this Assembly, or if an attached sub-assembly fails to assemble.
func (a *Assembly) Assemble() ([]byte, error) {
	subBytes := make([][]byte, len(a.subs))
	for i, s := range a.subs {
		b, err := s.Assemble()
		if err != nil {
			return nil, fmt.Errorf("sub-assembly %d: %w", i, err)
		}
		subBytes[i] = b
	}
	subSizes := make([]int, len(subBytes))
	for i, b := range subBytes {
		subSizes[i] = len(b)
	}

	// Pass 1: compute byte offsets of every item, hence of every tag.
	tagOffset := make(map[Tag]int, a.nextTag)
	offset := 0
	for _, it := range a.items {
		if it.kind == kDefineTag {
			tagOffset[it.tag] = offset
		}
		offset += a.itemSize(it, subSizes)
	}
	ownLen := offset // this assembly's own bytes, excluding every sub's
	programLen := ownLen
	subOffset := make([]int, len(subBytes))
	for i, b := range subBytes {
		subOffset[i] = programLen
		programLen += len(b)
	}

	for _, it := range a.items {
		if it.kind == kPushTag {
			if _, ok := tagOffset[it.tag]; !ok {
				return nil, fmt.Errorf("unresolved tag reference: tag %d is never defined", it.tag)
			}
		}
	}

	// Pass 2: emit.
	out := make([]byte, 0, programLen)
	for _, it := range a.items {
		switch it.kind {
		case kOpcode:
			out = append(out, byte(it.op))
		case kDefineTag:
			out = append(out, byte(opcode.JUMPDEST))
		case kPush:
			out = append(out, byte(opcode.PushN(len(it.value))))
			out = append(out, it.value...)
		case kPushTag:
			out = append(out, byte(opcode.PushN(tagRefWidth)))
			out = appendFixedWidth(out, tagOffset[it.tag], tagRefWidth)
		case kPushSubSize:
			out = append(out, byte(opcode.PushN(tagRefWidth)))
			out = appendFixedWidth(out, subSizes[it.sub], tagRefWidth)
		case kPushSubOffset:
			out = append(out, byte(opcode.PushN(tagRefWidth)))
			out = appendFixedWidth(out, subOffset[it.sub], tagRefWidth)
		case kPushOwnSize:
			out = append(out, byte(opcode.PushN(tagRefWidth)))
			out = appendFixedWidth(out, ownLen, tagRefWidth)
		case kPushProgramSize:
			out = append(out, byte(opcode.PushN(tagRefWidth)))
			out = appendFixedWidth(out, programLen, tagRefWidth)
		}
	}
	for _, b := range subBytes {
		out = append(out, b...)
	}
	return out, nil
}

// StreamAssembly writes a human-readable disassembly of a's item stream to
// w: one mnemonic per line, tag definitions and references rendered as
// `tag_N`, sub-assembly references as `sub_N.size`/`sub_N.offset`, in
// source order. It does not resolve tags to byte offsets - that is what
// Assemble's first pass is for - so it is safe to call on an Assembly that
// still has unresolved forward references, which is the common case for a
// diagnostic dump taken mid-compile.
func (a *Assembly) StreamAssembly(w io.Writer) error {
	for _, it := range a.items {
		line, err := formatItem(it)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatItem(it item) (string, error) {
	switch it.kind {
	case kOpcode:
		return "  " + opcode.Name(it.op), nil
	case kDefineTag:
		return fmt.Sprintf("tag_%d:", it.tag), nil
	case kPush:
		return fmt.Sprintf("  PUSH 0x%x", it.value), nil
	case kPushTag:
		return fmt.Sprintf("  PUSH tag_%d", it.tag), nil
	case kPushSubSize:
		return fmt.Sprintf("  PUSH sub_%d.size", it.sub), nil
	case kPushSubOffset:
		return fmt.Sprintf("  PUSH sub_%d.offset", it.sub), nil
	case kPushOwnSize:
		return "  PUSH #SELF.size", nil
	case kPushProgramSize:
		return "  PUSH #PROGRAM.size", nil
	default:
		return "", fmt.Errorf("internal error: unknown assembly item kind %d", it.kind)
	}
}

func appendFixedWidth(dst []byte, v int, width int) []byte {
	buf := make([]byte, width)
	switch width {
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	default:
		panic("internal error: unsupported tag reference width")
	}
	return append(dst, buf...)
}
