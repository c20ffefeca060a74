package ast

import "fmt"

// Category classifies a Type for the purposes the core cares about: how it
// is aligned when loaded from or stored to calldata/memory.
type Category int

// Type categories. Text and FixedBytes are left-aligned (see LeftAligned);
// everything else is right-aligned and zero-padded to a full word.
const (
	CategoryInteger Category = iota
	CategoryBoolean
	CategoryAddress
	CategoryFixedBytes
	CategoryText
	CategoryComposite
)

// Type is the subset of a value's type information the core needs:
// how many stack words it occupies, how many bytes it takes up in its
// ABI-encoded calldata form, and which alignment rule applies.
type Type interface {
	fmt.Stringer
	SizeOnStack() int
	CalldataEncodedSize() int
	Category() Category
}

// LeftAligned reports whether values of t are left-aligned (zero-padded on
// the right) rather than right-aligned when loaded or stored as words.
func LeftAligned(t Type) bool {
	return t.Category() == CategoryText || t.Category() == CategoryFixedBytes
}

type basicType struct {
	name     string
	cat      Category
	encBytes int
}

func (b basicType) String() string             { return b.name }
func (b basicType) SizeOnStack() int            { return 1 }
func (b basicType) CalldataEncodedSize() int    { return b.encBytes }
func (b basicType) Category() Category          { return b.cat }

// Uint256 is the canonical 256-bit unsigned integer type, one stack word,
// one calldata word, right-aligned.
var Uint256 Type = basicType{name: "uint256", cat: CategoryInteger, encBytes: 32}

// Bool is a single word holding 0 or 1, right-aligned.
var Bool Type = basicType{name: "bool", cat: CategoryBoolean, encBytes: 32}

// Address is a 160-bit account address stored right-aligned in a word.
var Address Type = basicType{name: "address", cat: CategoryAddress, encBytes: 32}

// Bytes32 is a fixed-size 32-byte string, left-aligned like Text.
var Bytes32 Type = basicType{name: "bytes32", cat: CategoryFixedBytes, encBytes: 32}

// ShortText returns a fixed-size text type of n<=32 bytes, left-aligned.
// This stands in for "string"/"bytes" values the core can still handle
// within a single calldata word; genuinely dynamic strings are out of
// scope (see CompositeN for the oversized-parameter failure path).
func ShortText(n int) Type {
	return basicType{name: fmt.Sprintf("text%d", n), cat: CategoryText, encBytes: n}
}

type compositeType struct {
	words int
}

func (c compositeType) String() string          { return fmt.Sprintf("composite%d", c.words) }
func (c compositeType) SizeOnStack() int        { return c.words }
func (c compositeType) CalldataEncodedSize() int { return c.words * 32 }
func (c compositeType) Category() Category       { return CategoryComposite }

// CompositeN is a multi-word aggregate occupying n stack words. Its
// calldata-encoded size is n*32, so for n>1 it exceeds the single-word
// limit the calldata unpacker and return-value packer accept and must be
// rejected with a CompilerError rather than silently truncated.
func CompositeN(n int) Type {
	return compositeType{words: n}
}
