package asm_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/asm"
	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

func TestForwardJumpResolves(t *testing.T) {
	a := asm.New()
	end := a.AppendJumpToNew()
	a.Op(opcode.STOP) // dead code the jump skips over
	a.DefineTag(end)
	a.Op(opcode.STOP)

	code, err := a.Assemble()
	require.NoError(t, err)
	// PUSH2 <offset> JUMP STOP JUMPDEST STOP
	require.Equal(t, byte(opcode.PushN(2)), code[0])
	dest := int(code[1])<<8 | int(code[2])
	require.Equal(t, byte(opcode.JUMP), code[3])
	require.Equal(t, byte(opcode.STOP), code[4])
	require.Equal(t, byte(opcode.JUMPDEST), code[dest])
}

func TestUnresolvedTagFails(t *testing.T) {
	a := asm.New()
	a.PushTag(a.NewTag())
	a.Op(opcode.JUMP)

	_, err := a.Assemble()
	require.Error(t, err)
}

func TestSubroutineSizeAndOffset(t *testing.T) {
	sub := asm.New()
	sub.Op(opcode.STOP)
	sub.Op(opcode.STOP)

	main := asm.New()
	h := main.AddSubroutine(sub)
	main.PushSubSize(h)
	main.PushSubOffset(h)
	main.Op(opcode.STOP)

	code, err := main.Assemble()
	require.NoError(t, err)

	subBytes, err := sub.Assemble()
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(code, subBytes))

	// PUSH2(size) PUSH2(offset) STOP, then the two-byte sub appended.
	require.Equal(t, len(subBytes), int(code[1])<<8|int(code[2]))
	offset := int(code[4])<<8 | int(code[5])
	require.Equal(t, 7, offset) // main stream (two 3-byte pushes + STOP) is 7 bytes before the sub begins
}

func TestPushOwnSizeExcludesSubs(t *testing.T) {
	sub := asm.New()
	sub.Op(opcode.STOP)

	main := asm.New()
	main.PushOwnSize()
	h := main.AddSubroutine(sub)
	main.PushSubSize(h)

	code, err := main.Assemble()
	require.NoError(t, err)
	ownSize := int(code[1])<<8 | int(code[2])
	require.Equal(t, 6, ownSize) // the two 3-byte push items, not counting the sub's own bytes
}

func TestPushProgramSizeIncludesSubs(t *testing.T) {
	sub := asm.New()
	sub.Op(opcode.STOP)

	main := asm.New()
	main.PushProgramSize()
	h := main.AddSubroutine(sub)
	main.PushSubSize(h)

	code, err := main.Assemble()
	require.NoError(t, err)
	programSize := int(code[1])<<8 | int(code[2])
	require.Equal(t, 7, programSize) // the two 3-byte push items plus the sub's own byte
}

func TestStreamAssemblyListsEveryItem(t *testing.T) {
	a := asm.New()
	loop := a.NewTag()
	a.DefineTag(loop)
	a.PushInt(5)
	a.AppendJumpTo(loop)

	var buf bytes.Buffer
	require.NoError(t, a.StreamAssembly(&buf))
	out := buf.String()
	require.True(t, strings.Contains(out, "tag_1:"))
	require.True(t, strings.Contains(out, "PUSH 0x05"))
	require.True(t, strings.Contains(out, "JUMP"))
}
