// Package vm is a minimal trace interpreter for the bytecode
// pkg/compiler emits. It exists to let tests observe what the compiler's
// virtual-stack model only predicts: given a finalized byte image and an
// optional calldata buffer, Run executes it and reports the resulting
// operand stack, storage and return data, the same way a compliant SVM
// would. It is not part of the compiler's own code path - no package under
// pkg/compiler imports it - and it implements no gas accounting, no
// storage persistence beyond a single run, and no CALL/CREATE semantics;
// those are out of scope for proving the invariants in this repository's
// test suite.
package vm

import (
	"fmt"
	"math/big"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/svm/opcode"
)

// Vmstate is the terminal or non-terminal status after a Step.
type Vmstate int

const (
	// Running means execution should continue.
	Running Vmstate = iota
	// Halted means a STOP or RETURN was reached.
	Halted
	// Faulted means execution hit an unrecoverable condition: an
	// out-of-bounds jump, stack underflow, or unknown opcode.
	Faulted
)

// VM executes a single finalized code image against an evaluation stack
// and byte-addressed memory, keeping the final stack, storage and return
// data for tests to assert on once Run returns.
type VM struct {
	code     []byte
	calldata []byte

	pc      int
	stack   []*big.Int
	memory  []byte
	storage map[int64]*big.Int

	state      Vmstate
	returnData []byte
	err        error
}

// New returns a VM ready to execute code against calldata. Memory starts
// empty and grows (zero-filled) on demand, as SVM memory does. Storage
// starts empty; callers that need to observe state written by one run and
// carried into a later one (e.g. a constructor followed by a call against
// the deployed code) should seed the next VM's storage with SetStorage.
func New(code, calldata []byte) *VM {
	return &VM{code: code, calldata: calldata, state: Running, storage: map[int64]*big.Int{}}
}

// SetStorage seeds slot with value before Run. Only used by tests that
// need to observe storage across two separate VM instances.
func (v *VM) SetStorage(slot int64, value *big.Int) { v.storage[slot] = new(big.Int).Set(value) }

// Storage returns the slot->value map as it stands after Run, keyed by
// slot index. Slots never written remain absent rather than reading as
// zero; callers checking "the default" should treat a missing key as 0.
func (v *VM) Storage() map[int64]*big.Int { return v.storage }

// Run steps the VM to completion: Halted on STOP/RETURN, Faulted on any
// error. It never panics; all failure modes surface through the returned
// error.
func (v *VM) Run() (state Vmstate, err error) {
	defer func() {
		if r := recover(); r != nil {
			v.state = Faulted
			v.err = fmt.Errorf("fault at pc=%d: %v", v.pc, r)
			state, err = v.state, v.err
		}
	}()
	for v.state == Running {
		if err := v.step(); err != nil {
			v.state = Faulted
			v.err = err
			return v.state, err
		}
	}
	return v.state, nil
}

// ReturnData is the byte range RETURN copied out of memory, valid once Run
// reports Halted via a RETURN (STOP leaves it nil).
func (v *VM) ReturnData() []byte { return v.returnData }

// Stack exposes the evaluation stack bottom-to-top as Run left it, for
// tests and the run command to inspect what remains after a halt.
func (v *VM) Stack() []*big.Int { return v.stack }

func (v *VM) push(x *big.Int) { v.stack = append(v.stack, x) }

func (v *VM) pop() (*big.Int, error) {
	if len(v.stack) == 0 {
		return nil, fmt.Errorf("stack underflow at pc=%d", v.pc)
	}
	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return top, nil
}

func (v *VM) peek(depth int) (*big.Int, error) {
	i := len(v.stack) - 1 - depth
	if i < 0 {
		return nil, fmt.Errorf("stack underflow peeking depth %d at pc=%d", depth, v.pc)
	}
	return v.stack[i], nil
}

var wordMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mask256(x *big.Int) *big.Int {
	return new(big.Int).And(x, wordMask)
}

// step decodes and executes exactly one instruction at the current pc.
func (v *VM) step() error {
	if v.pc < 0 || v.pc >= len(v.code) {
		return fmt.Errorf("pc %d out of bounds (code length %d)", v.pc, len(v.code))
	}
	op := opcode.Opcode(v.code[v.pc])

	if opcode.IsPush(op) {
		n := int(op) - int(opcode.PUSH1) + 1
		if op == opcode.PUSH0 {
			n = 0
		}
		if v.pc+1+n > len(v.code) {
			return fmt.Errorf("truncated push at pc=%d", v.pc)
		}
		v.push(new(big.Int).SetBytes(v.code[v.pc+1 : v.pc+1+n]))
		v.pc += 1 + n
		return nil
	}

	if op >= opcode.DUP1 && op <= opcode.DUP16 {
		n := int(op) - int(opcode.DUP1)
		x, err := v.peek(n)
		if err != nil {
			return err
		}
		v.push(new(big.Int).Set(x))
		v.pc++
		return nil
	}
	if op >= opcode.SWAP1 && op <= opcode.SWAP16 {
		n := int(op) - int(opcode.SWAP1) + 1
		i, j := len(v.stack)-1, len(v.stack)-1-n
		if j < 0 {
			return fmt.Errorf("stack underflow on SWAP%d at pc=%d", n, v.pc)
		}
		v.stack[i], v.stack[j] = v.stack[j], v.stack[i]
		v.pc++
		return nil
	}

	switch op {
	case opcode.STOP:
		v.state = Halted
		return nil
	case opcode.POP:
		_, err := v.pop()
		v.pc++
		return err
	case opcode.JUMPDEST:
		v.pc++
		return nil
	case opcode.ADD, opcode.SUB, opcode.MUL, opcode.DIV, opcode.MOD,
		opcode.LT, opcode.GT, opcode.SLT, opcode.SGT, opcode.EQ,
		opcode.AND, opcode.OR, opcode.XOR:
		return v.binary(op)
	case opcode.ISZERO, opcode.NOT:
		return v.unary(op)
	case opcode.JUMP:
		dest, err := v.pop()
		if err != nil {
			return err
		}
		return v.jumpTo(dest)
	case opcode.JUMPI:
		dest, err := v.pop()
		if err != nil {
			return err
		}
		cond, err := v.pop()
		if err != nil {
			return err
		}
		if cond.Sign() != 0 {
			return v.jumpTo(dest)
		}
		v.pc++
		return nil
	case opcode.SLOAD:
		slot, err := v.pop()
		if err != nil {
			return err
		}
		val, ok := v.storage[slot.Int64()]
		if !ok {
			val = big.NewInt(0)
		}
		v.push(new(big.Int).Set(val))
		v.pc++
		return nil
	case opcode.SSTORE:
		slot, err := v.pop()
		if err != nil {
			return err
		}
		val, err := v.pop()
		if err != nil {
			return err
		}
		v.storage[slot.Int64()] = mask256(val)
		v.pc++
		return nil
	case opcode.MLOAD:
		off, err := v.pop()
		if err != nil {
			return err
		}
		v.push(new(big.Int).SetBytes(v.readMemory(int(off.Int64()), opcode.WordSize)))
		v.pc++
		return nil
	case opcode.MSTORE:
		off, err := v.pop()
		if err != nil {
			return err
		}
		val, err := v.pop()
		if err != nil {
			return err
		}
		v.writeMemory(int(off.Int64()), leftPad32(val))
		v.pc++
		return nil
	case opcode.CALLDATALOAD:
		off, err := v.pop()
		if err != nil {
			return err
		}
		v.push(new(big.Int).SetBytes(readPadded(v.calldata, int(off.Int64()), opcode.WordSize)))
		v.pc++
		return nil
	case opcode.CALLDATACOPY:
		return v.copyInto(v.calldata)
	case opcode.CODECOPY:
		return v.copyInto(v.code)
	case opcode.RETURN:
		off, err := v.pop()
		if err != nil {
			return err
		}
		size, err := v.pop()
		if err != nil {
			return err
		}
		v.returnData = v.readMemory(int(off.Int64()), int(size.Int64()))
		v.state = Halted
		return nil
	default:
		return fmt.Errorf("unimplemented opcode 0x%02x at pc=%d", byte(op), v.pc)
	}
}

func (v *VM) binary(op opcode.Opcode) error {
	b, err := v.pop()
	if err != nil {
		return err
	}
	a, err := v.pop()
	if err != nil {
		return err
	}
	var r *big.Int
	switch op {
	case opcode.ADD:
		r = new(big.Int).Add(a, b)
	case opcode.SUB:
		r = new(big.Int).Sub(a, b)
	case opcode.MUL:
		r = new(big.Int).Mul(a, b)
	case opcode.DIV:
		if b.Sign() == 0 {
			r = big.NewInt(0)
		} else {
			r = new(big.Int).Div(a, b)
		}
	case opcode.MOD:
		if b.Sign() == 0 {
			r = big.NewInt(0)
		} else {
			r = new(big.Int).Mod(a, b)
		}
	case opcode.LT:
		r = boolInt(a.Cmp(b) < 0)
	case opcode.GT:
		r = boolInt(a.Cmp(b) > 0)
	case opcode.SLT:
		r = boolInt(a.Cmp(b) < 0)
	case opcode.SGT:
		r = boolInt(a.Cmp(b) > 0)
	case opcode.EQ:
		r = boolInt(a.Cmp(b) == 0)
	case opcode.AND:
		r = new(big.Int).And(a, b)
	case opcode.OR:
		r = new(big.Int).Or(a, b)
	case opcode.XOR:
		r = new(big.Int).Xor(a, b)
	}
	v.push(mask256(r))
	v.pc++
	return nil
}

func (v *VM) unary(op opcode.Opcode) error {
	a, err := v.pop()
	if err != nil {
		return err
	}
	var r *big.Int
	switch op {
	case opcode.ISZERO:
		r = boolInt(a.Sign() == 0)
	case opcode.NOT:
		r = new(big.Int).Xor(mask256(a), wordMask)
	}
	v.push(mask256(r))
	v.pc++
	return nil
}

func (v *VM) jumpTo(dest *big.Int) error {
	pc := int(dest.Int64())
	if pc < 0 || pc >= len(v.code) || opcode.Opcode(v.code[pc]) != opcode.JUMPDEST {
		return fmt.Errorf("invalid jump destination %d", pc)
	}
	v.pc = pc
	return nil
}

func (v *VM) copyInto(src []byte) error {
	destOff, err := v.pop()
	if err != nil {
		return err
	}
	off, err := v.pop()
	if err != nil {
		return err
	}
	size, err := v.pop()
	if err != nil {
		return err
	}
	v.writeMemory(int(destOff.Int64()), readPadded(src, int(off.Int64()), int(size.Int64())))
	v.pc++
	return nil
}

func (v *VM) readMemory(off, size int) []byte {
	end := off + size
	if end > len(v.memory) {
		v.memory = append(v.memory, make([]byte, end-len(v.memory))...)
	}
	return v.memory[off:end]
}

func (v *VM) writeMemory(off int, data []byte) {
	end := off + len(data)
	if end > len(v.memory) {
		v.memory = append(v.memory, make([]byte, end-len(v.memory))...)
	}
	copy(v.memory[off:end], data)
}

func readPadded(src []byte, off, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		if off+i < len(src) {
			out[i] = src[off+i]
		}
	}
	return out
}

func leftPad32(v *big.Int) []byte {
	b := mask256(v).Bytes()
	out := make([]byte, opcode.WordSize)
	copy(out[opcode.WordSize-len(b):], b)
	return out
}

func boolInt(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}
