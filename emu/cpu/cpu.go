/*
   we32200 CPU interpreter (WE32100/WE32200 instruction set).

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

*/

// Package cpu interprets the WE32100/WE32200 instruction set: a 16
// general/special register file, a variable-length operand descriptor
// encoding, and a four-class exception model (Reset/Process/Stack/
// Normal) that drives context switches through the process control
// block chain. Every memory reference carries a device.AccessType so
// the MMU can enforce segment/page permissions; the MAU coprocessor is
// reached through SPOP-family broadcasts.
package cpu

import (
	"log/slog"

	D "github.com/kcoleman/we32200/emu/device"
	"github.com/kcoleman/we32200/emu/mau"
	"github.com/kcoleman/we32200/emu/memory"
	"github.com/kcoleman/we32200/emu/mmu"
)

// Register numbers with architectural meaning beyond GPR0-8.
const (
	RegFP   = 9
	RegAP   = 10
	RegPSW  = 11
	RegSP   = 12
	RegPCBP = 13
	RegISP  = 14
	RegPC   = 15
)

// PSW bit positions.
const (
	pswET  = 0
	pswTM  = 2
	pswISC = 3
	pswI   = 7
	pswR   = 8
	pswPM  = 9
	pswCM  = 11
	pswIPL = 13
	pswTE  = 17
	pswC   = 18
	pswV   = 19
	pswZ   = 20
	pswN   = 21
	pswOE  = 22
	pswCD  = 23
	pswQIE = 24
	pswCFD = 25
)

// Exception classes, selecting which PSW.ET vector table entry a fault
// or interrupt uses.
const (
	ExcReset   = 0
	ExcProcess = 1
	ExcStack   = 2
	ExcNormal  = 3
)

// Normal-exception ISC codes (the common ones a running program can
// trigger directly).
const (
	IntZeroDivide    = 0
	TraceTrap        = 1
	IllegalOpcode    = 2
	ReservedOpcode   = 3
	InvalidDescr     = 4
	ExternalMemFault = 5
	GateVector       = 6
	IllegalLevel     = 7
	ReservedDatatype = 8
	IntOverflow      = 9
	PrivilegedOpcode = 10
	BreakpointTrap   = 14
	PrivilegedReg    = 15
)

// Stack-exception ISC codes.
const (
	StackBound = 0
	StackFault = 1
)

// Opcodes actually dispatched by Step. The WE32100 defines well over a
// hundred; this interpreter covers the subset a boot ROM and a typical
// kernel exercise. Anything else raises IllegalOpcode, same as real
// silicon would for an unassigned encoding.
const (
	opHALT    = 0x00
	opSPOPRD  = 0x02
	opMOVAW   = 0x04
	opSPOPRT  = 0x06
	opRET     = 0x08
	opSAVE    = 0x10
	opRESTORE = 0x18
	opPOPW    = 0x20
	opJMP     = 0x24
	opTSTW    = 0x28
	opTSTH    = 0x2a
	opTSTB    = 0x2b
	opCALL    = 0x2c
	opWAIT    = 0x2f
	opEMB     = 0x30
	opSPOP    = 0x32
	opJSB     = 0x34
	opBITW    = 0x38
	opCMPW    = 0x3c
	opCMPH    = 0x3e
	opCMPB    = 0x3f
	opRSB     = 0x78
	opNOP     = 0x70
	opCLRW    = 0x80
	opCLRH    = 0x82
	opCLRB    = 0x83
	opMOVW    = 0x84
	opMOVH    = 0x86
	opMOVB    = 0x87
	opMCOMW   = 0x88
	opMNEGW   = 0x8c
	opINCW    = 0x90
	opDECW    = 0x94
	opADDW2   = 0x9c
	opADDH2   = 0x9e
	opADDB2   = 0x9f
	opPUSHW   = 0xa0
	opMULW2   = 0xa8
	opDIVW2   = 0xac
	opORW2    = 0xb0
	opXORW2   = 0xb4
	opANDW2   = 0xb8
	opSUBW2   = 0xbc
	opADDW3   = 0xdc
	opMULW3   = 0xe8
	opDIVW3   = 0xec
	opORW3    = 0xf0
	opXORW3   = 0xf4
	opANDW3   = 0xf8
	opSUBW3   = 0xfc

	opMOVBLW  = 0x3019 // secondary (0x30-prefixed) opcode table
	opENBVJMP = 0x300d
	opDISVJMP = 0x3013
	opGATE    = 0x3061
	opCALLPS  = 0x30ac
	opRETPS   = 0x30c8
)

// PCB (process control block) field offsets, in bytes from a process's
// PCBP. The initial-context area occupies +12..+23 and only exists
// when the new PSW's I bit is set; loadFromNew advances PCBP past it
// before any of the offsets below are used, so they apply uniformly
// whether or not that area is present.
const (
	pcbPSW       = 0
	pcbPC        = 4
	pcbSP        = 8
	pcbStackLow  = 12
	pcbStackHigh = 16
	pcbAP        = 20
	pcbFP        = 24
	pcbR0        = 28 // R0..R8, 4 bytes each, through pcbR0+32
	pcbDescList  = 64
)

// operandWidth in bytes for the default datatype of an opcode's
// ...W/H/B family.
type width int

const (
	widthByte width = 1
	widthHalf width = 2
	widthWord width = 4
)

// CPU is one WE32100/WE32200 interpreter core: register file, MMU, and
// the attached MAU coprocessor.
type CPU struct {
	R   [16]uint32
	MMU *mmu.MMU
	MAU *mau.MAU

	halted  bool
	waiting bool

	// StackLow/StackHigh are the current process's stack bounds, loaded
	// from its PCB on the last context switch; GATE checks SP against
	// them before transferring control.
	StackLow, StackHigh uint32

	IPLDev uint16

	// PendingScan yields the fabric's current interrupt requests;
	// the core driver wires it to the CIO bus only.
	PendingScan func() []D.Pending
}

// New returns a freshly reset CPU attached to mm (may be nil, meaning
// physical addressing only) and mu.
func New(mm *mmu.MMU, mu *mau.MAU) *CPU {
	return &CPU{MMU: mm, MAU: mu}
}

// Exception is raised by Step when the interpreter hits a fault the
// driver loop must turn into a context switch.
type Exception struct {
	Class uint8 // ExcReset/ExcProcess/ExcStack/ExcNormal
	ISC   uint8
	Addr  uint32 // Faulting address, if applicable
}

func (e *Exception) Error() string {
	return "cpu exception"
}

func (c *CPU) psw() uint32     { return c.R[RegPSW] }
func (c *CPU) setPSW(v uint32) { c.R[RegPSW] = v }
func (c *CPU) cm() uint8       { return uint8((c.psw() >> pswCM) & 3) }

func (c *CPU) setFlag(bit uint, v bool) {
	if v {
		c.R[RegPSW] |= 1 << bit
	} else {
		c.R[RegPSW] &^= 1 << bit
	}
}

func (c *CPU) flag(bit uint) bool {
	return c.R[RegPSW]&(1<<bit) != 0
}

// setNZ updates the N and Z condition codes from a signed result.
func (c *CPU) setNZ(v int32) {
	c.setFlag(pswZ, v == 0)
	c.setFlag(pswN, v < 0)
}

// translate routes a virtual address through the MMU (if enabled),
// otherwise returns it unchanged as a physical address.
func (c *CPU) translate(va uint32, acc D.AccessType) (uint32, error) {
	if c.MMU == nil {
		return va, nil
	}
	pa, err := c.MMU.Translate(va, acc, c.cm())
	if err != nil {
		return 0, err
	}
	return pa, nil
}

func (c *CPU) fetchByte() (uint8, error) {
	pa, err := c.translate(c.R[RegPC], D.AccessInstrFetch)
	if err != nil {
		return 0, err
	}
	b, ok := memory.GetByte(pa)
	if !ok {
		return 0, &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
	}
	c.R[RegPC]++
	return b, nil
}

func (c *CPU) fetchHalf() (uint16, error) {
	hi, err := c.fetchByte()
	if err != nil {
		return 0, err
	}
	lo, err := c.fetchByte()
	if err != nil {
		return 0, err
	}
	return uint16(lo)<<8 | uint16(hi), nil
}

func (c *CPU) fetchWord() (uint32, error) {
	lo, err := c.fetchHalf()
	if err != nil {
		return 0, err
	}
	hi, err := c.fetchHalf()
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

func (c *CPU) readW(addr uint32, acc D.AccessType) (uint32, error) {
	pa, err := c.translate(addr, acc)
	if err != nil {
		return 0, err
	}
	v, ok := memory.GetWord(pa)
	if !ok {
		return 0, &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
	}
	return v, nil
}

func (c *CPU) writeW(addr uint32, v uint32) error {
	pa, err := c.translate(addr, D.AccessWrite)
	if err != nil {
		return err
	}
	if !memory.PutWord(pa, v) {
		return &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
	}
	return nil
}

// operand is a decoded source or destination location: either a
// register number or a resolved memory address, plus the literal value
// for addressing modes that embed one (immediate/literal).
type operand struct {
	reg     int8 // -1 if this operand is memory, not a register
	addr    uint32
	literal uint32
	isLit   bool
}

// decodeOperand reads one operand descriptor byte (and any trailing
// displacement/immediate bytes) starting at the current PC, per the
// WE32100 addressing mode table.
func (c *CPU) decodeOperand() (operand, error) {
	desc, err := c.fetchByte()
	if err != nil {
		return operand{}, err
	}
	mode := desc >> 4
	reg := desc & 0xf

	switch {
	case mode <= 3: // positive literal, 0-3 held directly in the mode bits
		return operand{reg: -1, isLit: true, literal: uint32(desc & 0x3f)}, nil
	case mode == 4: // register
		return operand{reg: int8(reg)}, nil
	case mode == 5: // register deferred
		return operand{reg: -1, addr: c.R[reg]}, nil
	case mode == 6: // FP short offset, or byte immediate if reg==15
		if reg == 0xf {
			v, err := c.fetchByte()
			return operand{reg: -1, isLit: true, literal: uint32(v)}, err
		}
		return operand{reg: -1, addr: c.R[RegFP] + signExtend6(desc&0xf)}, nil
	case mode == 7: // AP short offset, or absolute if reg==15
		if reg == 0xf {
			v, err := c.fetchWord()
			return operand{reg: -1, addr: v}, err
		}
		return operand{reg: -1, addr: c.R[RegAP] + signExtend6(desc&0xf)}, nil
	case mode == 8: // word displacement
		d, err := c.fetchWord()
		if err != nil {
			return operand{}, err
		}
		return operand{reg: -1, addr: c.R[reg] + d}, nil
	case mode == 9: // word displacement deferred
		d, err := c.fetchWord()
		if err != nil {
			return operand{}, err
		}
		p, err := c.readW(c.R[reg]+d, D.AccessAddressFetch)
		return operand{reg: -1, addr: p}, err
	case mode == 10: // halfword displacement
		d, err := c.fetchHalf()
		if err != nil {
			return operand{}, err
		}
		return operand{reg: -1, addr: c.R[reg] + uint32(int32(int16(d)))}, nil
	case mode == 11: // halfword displacement deferred
		d, err := c.fetchHalf()
		if err != nil {
			return operand{}, err
		}
		p, err := c.readW(c.R[reg]+uint32(int32(int16(d))), D.AccessAddressFetch)
		return operand{reg: -1, addr: p}, err
	case mode == 12: // byte displacement
		d, err := c.fetchByte()
		if err != nil {
			return operand{}, err
		}
		return operand{reg: -1, addr: c.R[reg] + uint32(int32(int8(d)))}, nil
	case mode == 13: // byte displacement deferred
		d, err := c.fetchByte()
		if err != nil {
			return operand{}, err
		}
		p, err := c.readW(c.R[reg]+uint32(int32(int8(d))), D.AccessAddressFetch)
		return operand{reg: -1, addr: p}, err
	case mode == 14: // absolute deferred for every reg; expanded-type descriptors are not decoded
		v, err := c.fetchWord()
		if err != nil {
			return operand{}, err
		}
		p, err := c.readW(v, D.AccessAddressFetch)
		return operand{reg: -1, addr: p}, err
	case mode == 15: // negative literal, or word immediate if reg==15
		if reg == 0xf {
			v, err := c.fetchWord()
			return operand{reg: -1, isLit: true, literal: v}, err
		}
		return operand{reg: -1, isLit: true, literal: uint32(int32(-1) - int32(reg))}, nil
	}
	return operand{}, &Exception{Class: ExcNormal, ISC: InvalidDescr}
}

func signExtend6(v uint8) uint32 {
	if v&0x8 != 0 {
		return uint32(int32(v) - 16)
	}
	return uint32(v)
}

// load reads the value of an operand, widened/sign-extended per w and
// signed.
func (c *CPU) load(op operand, w width, signed bool, acc D.AccessType) (uint32, error) {
	if op.isLit {
		return op.literal, nil
	}
	if op.reg >= 0 {
		return widthValue(c.R[op.reg], w, signed), nil
	}
	pa, err := c.translate(op.addr, acc)
	if err != nil {
		return 0, err
	}
	switch w {
	case widthByte:
		v, ok := memory.GetByte(pa)
		if !ok {
			return 0, &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
		}
		return widthValue(uint32(v), w, signed), nil
	case widthHalf:
		v, ok := memory.GetHalf(pa)
		if !ok {
			return 0, &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
		}
		return widthValue(uint32(v), w, signed), nil
	default:
		v, ok := memory.GetWord(pa)
		if !ok {
			return 0, &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
		}
		return v, nil
	}
}

func widthValue(v uint32, w width, signed bool) uint32 {
	switch w {
	case widthByte:
		if signed {
			return uint32(int32(int8(v)))
		}
		return uint32(uint8(v))
	case widthHalf:
		if signed {
			return uint32(int32(int16(v)))
		}
		return uint32(uint16(v))
	default:
		return v
	}
}

// store writes a value to the operand's destination. Register-mode or
// literal destinations other than a register are programming errors in
// the hardware sense (reserved operand); we raise InvalidDescr. Writes
// to PSW, PCBP or ISP through a decoded register operand are only
// legal from kernel mode; the interpreter's own context-switch and
// gate code never goes through store() for these registers; it
// assigns c.R directly, which bypasses this check entirely.
func (c *CPU) store(op operand, w width, v uint32) error {
	if op.isLit {
		return &Exception{Class: ExcNormal, ISC: InvalidDescr}
	}
	if op.reg >= 0 {
		if (op.reg == RegPSW || op.reg == RegPCBP || op.reg == RegISP) && c.cm() != 0 {
			return &Exception{Class: ExcNormal, ISC: PrivilegedReg}
		}
		switch w {
		case widthByte:
			c.R[op.reg] = (c.R[op.reg] &^ 0xff) | (v & 0xff)
		case widthHalf:
			c.R[op.reg] = (c.R[op.reg] &^ 0xffff) | (v & 0xffff)
		default:
			c.R[op.reg] = v
		}
		return nil
	}
	pa, err := c.translate(op.addr, D.AccessWrite)
	if err != nil {
		return err
	}
	var ok bool
	switch w {
	case widthByte:
		ok = memory.PutByte(pa, uint8(v))
	case widthHalf:
		ok = memory.PutHalf(pa, uint16(v))
	default:
		ok = memory.PutWord(pa, v)
	}
	if !ok {
		return &Exception{Class: ExcNormal, ISC: ExternalMemFault, Addr: pa}
	}
	return nil
}

// Step fetches, decodes and executes exactly one instruction, returning
// the exception it raised (nil on normal completion). The driver loop
// (emu/core) is responsible for turning a returned *Exception into a
// context switch via Trap.
func (c *CPU) Step() error {
	if c.waiting || c.halted {
		return nil
	}
	op, err := c.fetchByte()
	if err != nil {
		return err
	}
	opcode := uint16(op)
	if op == opEMB {
		ext, err := c.fetchByte()
		if err != nil {
			return err
		}
		opcode = 0x3000 | uint16(ext)
	}
	return c.execute(opcode)
}

func (c *CPU) execute(opcode uint16) error {
	switch opcode {
	case opHALT:
		c.halted = true
		return nil
	case opNOP:
		return nil
	case opWAIT:
		if c.cm() != 0 {
			return &Exception{Class: ExcNormal, ISC: PrivilegedOpcode}
		}
		c.waiting = true
		return nil
	case opENBVJMP, opDISVJMP, opCALLPS, opRETPS:
		if c.cm() != 0 {
			return &Exception{Class: ExcNormal, ISC: PrivilegedOpcode}
		}
		switch opcode {
		case opENBVJMP:
			if c.MMU != nil {
				c.MMU.Enable()
			}
			c.R[RegPC] = c.R[0]
			return nil
		case opDISVJMP:
			if c.MMU != nil {
				c.MMU.Disable()
			}
			c.R[RegPC] = c.R[0]
			return nil
		case opCALLPS:
			return c.doCallps()
		default: // opRETPS
			return c.doRetps()
		}
	case opJMP:
		dst, err := c.decodeOperand()
		if err != nil {
			return err
		}
		if dst.reg >= 0 {
			return &Exception{Class: ExcNormal, ISC: InvalidDescr}
		}
		c.R[RegPC] = dst.addr
		return nil
	case opCALL:
		return c.doCall()
	case opRET:
		return c.doRet()
	case opJSB:
		return c.doJsb()
	case opRSB:
		return c.doRsb()
	case opSAVE:
		return c.doSave()
	case opRESTORE:
		return c.doRestore()
	case opPUSHW:
		return c.doPush(widthWord)
	case opPOPW:
		return c.doPop(widthWord)
	case opMOVW:
		return c.doMove(widthWord, true)
	case opMOVH:
		return c.doMove(widthHalf, true)
	case opMOVB:
		return c.doMove(widthByte, true)
	case opCLRW:
		return c.doClear(widthWord)
	case opCLRH:
		return c.doClear(widthHalf)
	case opCLRB:
		return c.doClear(widthByte)
	case opMCOMW:
		return c.doUnary(widthWord, func(v uint32) uint32 { return ^v })
	case opMNEGW:
		return c.doUnary(widthWord, func(v uint32) uint32 { return uint32(-int32(v)) })
	case opINCW:
		return c.doUnary(widthWord, func(v uint32) uint32 { return v + 1 })
	case opDECW:
		return c.doUnary(widthWord, func(v uint32) uint32 { return v - 1 })
	case opTSTW:
		return c.doTest(widthWord)
	case opTSTH:
		return c.doTest(widthHalf)
	case opTSTB:
		return c.doTest(widthByte)
	case opBITW:
		return c.doBit(widthWord)
	case opCMPW:
		return c.doCompare(widthWord, true)
	case opCMPH:
		return c.doCompare(widthHalf, true)
	case opCMPB:
		return c.doCompare(widthByte, true)
	case opADDW2:
		return c.doArith2(widthWord, func(a, b uint32) uint32 { return a + b })
	case opADDH2:
		return c.doArith2(widthHalf, func(a, b uint32) uint32 { return a + b })
	case opADDB2:
		return c.doArith2(widthByte, func(a, b uint32) uint32 { return a + b })
	case opSUBW2:
		return c.doArith2(widthWord, func(a, b uint32) uint32 { return b - a })
	case opMULW2:
		return c.doArith2(widthWord, func(a, b uint32) uint32 { return uint32(int32(a) * int32(b)) })
	case opDIVW2:
		return c.doDivide2(widthWord)
	case opORW2:
		return c.doArith2(widthWord, func(a, b uint32) uint32 { return a | b })
	case opXORW2:
		return c.doArith2(widthWord, func(a, b uint32) uint32 { return a ^ b })
	case opANDW2:
		return c.doArith2(widthWord, func(a, b uint32) uint32 { return a & b })
	case opADDW3:
		return c.doArith3(widthWord, func(a, b uint32) uint32 { return a + b })
	case opSUBW3:
		return c.doArith3(widthWord, func(a, b uint32) uint32 { return b - a })
	case opMULW3:
		return c.doArith3(widthWord, func(a, b uint32) uint32 { return uint32(int32(a) * int32(b)) })
	case opDIVW3:
		return c.doDivide3(widthWord)
	case opORW3:
		return c.doArith3(widthWord, func(a, b uint32) uint32 { return a | b })
	case opXORW3:
		return c.doArith3(widthWord, func(a, b uint32) uint32 { return a ^ b })
	case opANDW3:
		return c.doArith3(widthWord, func(a, b uint32) uint32 { return a & b })
	case opMOVAW:
		return c.doMovea()
	case opSPOP, opSPOPRD, opSPOPRT:
		return c.doSpop()
	case opMOVBLW:
		return c.doMovblw()
	case opGATE:
		return c.doGate()
	default:
		return &Exception{Class: ExcNormal, ISC: IllegalOpcode}
	}
}

func (c *CPU) doMove(w width, signed bool) error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	v, err := c.load(src, w, signed, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.setNZ(int32(v))
	c.setFlag(pswV, false)
	return c.store(dst, w, v)
}

func (c *CPU) doClear(w width) error {
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	c.setFlag(pswZ, true)
	c.setFlag(pswN, false)
	return c.store(dst, w, 0)
}

func (c *CPU) doUnary(w width, fn func(uint32) uint32) error {
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	v, err := c.load(dst, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	r := fn(v)
	c.setNZ(int32(widthValue(r, w, true)))
	return c.store(dst, w, r)
}

func (c *CPU) doTest(w width) error {
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	v, err := c.load(dst, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.setNZ(int32(v))
	c.setFlag(pswC, false)
	return nil
}

func (c *CPU) doBit(w width) error {
	mask, err := c.decodeOperand()
	if err != nil {
		return err
	}
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	mv, err := c.load(mask, w, false, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	sv, err := c.load(src, w, false, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.setFlag(pswZ, mv&sv == 0)
	return nil
}

func (c *CPU) doCompare(w width, signed bool) error {
	a, err := c.decodeOperand()
	if err != nil {
		return err
	}
	b, err := c.decodeOperand()
	if err != nil {
		return err
	}
	av, err := c.load(a, w, signed, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	bv, err := c.load(b, w, signed, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	if signed {
		d := int32(av) - int32(bv)
		c.setNZ(d)
	} else {
		c.setFlag(pswZ, av == bv)
		c.setFlag(pswN, av < bv)
	}
	c.setFlag(pswC, av < bv)
	return nil
}

func (c *CPU) doArith2(w width, fn func(src, dst uint32) uint32) error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	sv, err := c.load(src, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	dv, err := c.load(dst, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	r := fn(sv, dv)
	c.setNZ(int32(widthValue(r, w, true)))
	return c.store(dst, w, r)
}

func (c *CPU) doArith3(w width, fn func(a, b uint32) uint32) error {
	a, err := c.decodeOperand()
	if err != nil {
		return err
	}
	b, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	av, err := c.load(a, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	bv, err := c.load(b, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	r := fn(av, bv)
	c.setNZ(int32(widthValue(r, w, true)))
	return c.store(dst, w, r)
}

func (c *CPU) doDivide2(w width) error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	sv, err := c.load(src, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	if int32(sv) == 0 {
		return &Exception{Class: ExcNormal, ISC: IntZeroDivide}
	}
	dv, err := c.load(dst, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	r := uint32(int32(dv) / int32(sv))
	c.setNZ(int32(r))
	return c.store(dst, w, r)
}

func (c *CPU) doDivide3(w width) error {
	a, err := c.decodeOperand()
	if err != nil {
		return err
	}
	b, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	av, err := c.load(a, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	if int32(av) == 0 {
		return &Exception{Class: ExcNormal, ISC: IntZeroDivide}
	}
	bv, err := c.load(b, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	r := uint32(int32(bv) / int32(av))
	c.setNZ(int32(r))
	return c.store(dst, w, r)
}

func (c *CPU) doMovea() error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	if src.reg >= 0 || src.isLit {
		return &Exception{Class: ExcNormal, ISC: InvalidDescr}
	}
	return c.store(dst, widthWord, src.addr)
}

func (c *CPU) doPush(w width) error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	v, err := c.load(src, w, true, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.R[RegSP] += 4
	return c.writeW(c.R[RegSP], v)
}

func (c *CPU) doPop(w width) error {
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	v, err := c.readW(c.R[RegSP], D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.R[RegSP] -= 4
	return c.store(dst, w, v)
}

// doCall implements the procedure-call convention: push the argument
// pointer and return PC onto the stack, establish a new AP from SP,
// then transfer control.
func (c *CPU) doCall() error {
	argOp, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	if dst.reg >= 0 {
		return &Exception{Class: ExcNormal, ISC: InvalidDescr}
	}
	var argp uint32
	if argOp.reg < 0 && !argOp.isLit {
		argp = argOp.addr
	}
	c.R[RegSP] += 4
	if err := c.writeW(c.R[RegSP], argp); err != nil {
		return err
	}
	c.R[RegSP] += 4
	if err := c.writeW(c.R[RegSP], c.R[RegPC]); err != nil {
		return err
	}
	c.R[RegAP] = c.R[RegSP]
	c.R[RegPC] = dst.addr
	return nil
}

func (c *CPU) doRet() error {
	pc, err := c.readW(c.R[RegSP], D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.R[RegSP] -= 4
	ap, err := c.readW(c.R[RegSP], D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.R[RegSP] -= 4
	c.R[RegAP] = ap
	c.R[RegPC] = pc
	return nil
}

func (c *CPU) doJsb() error {
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	if dst.reg >= 0 {
		return &Exception{Class: ExcNormal, ISC: InvalidDescr}
	}
	c.R[RegSP] += 4
	if err := c.writeW(c.R[RegSP], c.R[RegPC]); err != nil {
		return err
	}
	c.R[RegPC] = dst.addr
	return nil
}

func (c *CPU) doRsb() error {
	pc, err := c.readW(c.R[RegSP], D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.R[RegSP] -= 4
	c.R[RegPC] = pc
	return nil
}

// doSave/doRestore implement the register-save-mask convention: a
// 16-bit bitmap word names which of R0-R8 the instruction pushes or
// pops, oldest-numbered register first.
func (c *CPU) doSave() error {
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	if dst.reg >= 0 {
		return &Exception{Class: ExcNormal, ISC: InvalidDescr}
	}
	mask, err := c.readW(dst.addr, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	for r := 0; r <= 8; r++ {
		if mask&(1<<uint(r)) == 0 {
			continue
		}
		c.R[RegSP] += 4
		if err := c.writeW(c.R[RegSP], c.R[r]); err != nil {
			return err
		}
	}
	return nil
}

func (c *CPU) doRestore() error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	if src.reg >= 0 {
		return &Exception{Class: ExcNormal, ISC: InvalidDescr}
	}
	mask, err := c.readW(src.addr, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	for r := 8; r >= 0; r-- {
		if mask&(1<<uint(r)) == 0 {
			continue
		}
		v, err := c.readW(c.R[RegSP], D.AccessOperandFetch)
		if err != nil {
			return err
		}
		c.R[RegSP] -= 4
		c.R[r] = v
	}
	return nil
}

// doMovblw implements the block-move-translated primitive the
// three-phase context switch uses to copy the new PCB's register image
// into the register file: a source address, destination address and
// word count, all decoded operands.
func (c *CPU) doMovblw() error {
	src, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := c.decodeOperand()
	if err != nil {
		return err
	}
	cnt, err := c.decodeOperand()
	if err != nil {
		return err
	}
	n, err := c.load(cnt, widthWord, false, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	s, d := src.addr, dst.addr
	for i := uint32(0); i < n; i++ {
		v, err := c.readW(s, D.AccessMoveTranslated)
		if err != nil {
			return err
		}
		if err := c.writeW(d, v); err != nil {
			return err
		}
		s += 4
		d += 4
	}
	return nil
}

// doGate implements a protected call-gate transfer. GATE takes no
// operand: the two-level gate-table index comes from R0 (level 1) and
// R1 (level 2), masked to word-aligned table offsets. SP must lie
// within the current process's PCB stack bounds or the gate raises a
// stack-bound stack exception instead of completing.
func (c *CPU) doGate() error {
	if c.R[RegSP] < c.StackLow || c.R[RegSP] > c.StackHigh {
		return &Exception{Class: ExcStack, ISC: StackBound}
	}
	if err := c.writeW(c.R[RegSP], c.R[RegPC]+2); err != nil {
		return err
	}
	psw := (c.psw() &^ (0xf<<pswISC | 3<<pswTM | 3<<pswET)) | (1 << pswISC) | (2 << pswET)
	c.setPSW(psw)
	if err := c.writeW(c.R[RegSP]+4, psw); err != nil {
		return err
	}
	if err := c.gatePerform(c.R[0]&0x7c, c.R[1]&0x7ff8); err != nil {
		return err
	}
	c.R[RegSP] += 8
	return nil
}

// gatePerform resolves a new PC/PSW through the two-level gate table:
// a level-1 pointer is read from index1, the level-2 entry (new PSW
// then new PC) from level1+index2. The resulting PSW inherits PM from
// the caller's CM and keeps the caller's IPL/R bits, forcing
// ISC=7/TM=1/ET=3; this is shared between GATE itself and normal
// exception dispatch, which uses index1=0.
func (c *CPU) gatePerform(index1, index2 uint32) error {
	l1, err := c.readW(index1, D.AccessAddressFetch)
	if err != nil {
		return err
	}
	l2 := l1 + index2
	newPSW, err := c.readW(l2, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	newPC, err := c.readW(l2+4, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	psw := c.psw()
	newPSW &^= (3 << pswPM) | (0xf << pswIPL) | (1 << pswR) | (0xf << pswISC) | (3 << pswTM) | (3 << pswET)
	newPSW |= ((psw >> pswCM) & 3) << pswPM
	newPSW |= psw & (0xf << pswIPL)
	newPSW |= psw & (1 << pswR)
	newPSW |= 7 << pswISC
	newPSW |= 1 << pswTM
	newPSW |= 3 << pswET
	c.setPSW(newPSW)
	c.R[RegPC] = newPC
	return nil
}

// doSpop fetches the one-byte coprocessor command that follows the
// opcode, decodes two descriptor operands (source, destination), and
// broadcasts that command byte with a word loaded from each operand to
// the attached MAU. The high word of the MAU's result is stored back to
// the destination operand.
func (c *CPU) doSpop() error {
	cmdByte, err := c.fetchByte()
	if err != nil {
		return err
	}
	srcOp, err := c.decodeOperand()
	if err != nil {
		return err
	}
	dstOp, err := c.decodeOperand()
	if err != nil {
		return err
	}
	if c.MAU == nil {
		return &Exception{Class: ExcNormal, ISC: ReservedOpcode}
	}
	sv, err := c.load(srcOp, widthWord, false, D.AccessCoprocessorFetch)
	if err != nil {
		return err
	}
	dv, err := c.load(dstOp, widthWord, false, D.AccessCoprocessorFetch)
	if err != nil {
		return err
	}
	src := mau.XFP{}
	dst := mau.XFP{}
	src.Frac = uint64(sv) << 32
	dst.Frac = uint64(dv) << 32
	asr := c.MAU.Broadcast(cmdByte, src, dst)
	if asr&0x4000 != 0 && asr&0x200 != 0 { // IM: invalid-operation mask enabled and IS set
		return &Exception{Class: ExcNormal, ISC: ReservedDatatype}
	}
	return c.store(dstOp, widthWord, uint32(c.MAU.DR.Frac>>32))
}

// Trap dispatches an exception to the handling its class requires.
// Normal and Process exceptions never switch the PCB: they resolve an
// in-place gate transfer through the same two-level table GATE uses.
// Stack exceptions push the old PCBP onto the interrupt stack and run
// a full two-phase context switch to newPCB. Reset discards the
// current process outright and loads newPCB directly.
func (c *CPU) Trap(exc *Exception, newPCB uint32) error {
	switch exc.Class {
	case ExcReset:
		return c.trapReset(newPCB)
	case ExcStack:
		return c.trapStack(exc, newPCB)
	default: // ExcNormal, ExcProcess
		return c.trapNormal(exc)
	}
}

// trapNormal implements the Normal/Process exception path: check the
// current SP against the PCB's stack bounds (escalating to a
// stack-bound stack exception if violated), push PC and PSW onto the
// current stack with TM/ET set for a normal exception, then dispatch
// through the gate table at index1=0, index2=ISC<<3.
func (c *CPU) trapNormal(exc *Exception) error {
	if c.R[RegSP] < c.StackLow || c.R[RegSP] > c.StackHigh {
		return &Exception{Class: ExcStack, ISC: StackBound}
	}
	if err := c.writeW(c.R[RegSP], c.R[RegPC]); err != nil {
		return err
	}
	psw := (c.psw() &^ (3<<pswTM | 3<<pswET)) | (uint32(ExcNormal) << pswET)
	c.setPSW(psw)
	if err := c.writeW(c.R[RegSP]+4, psw); err != nil {
		return err
	}
	if err := c.gatePerform(0, uint32(exc.ISC)<<3); err != nil {
		return err
	}
	c.R[RegSP] += 8
	return nil
}

// trapStack implements the Stack exception path: the old PCBP is
// pushed onto the interrupt stack (so RETPS can find its way back),
// the old PSW is marked ISC/ET for the stack exception before
// saveFromCurrent archives it, then a full save/load switch runs
// against newPCB (read from the fixed stack-exception vector) with the
// new PSW forced to ISC=7/TM=0/ET=3.
func (c *CPU) trapStack(exc *Exception, newPCB uint32) error {
	oldPCBP := c.R[RegPCBP]
	if err := c.pushISP(oldPCBP); err != nil {
		return err
	}
	psw := (c.psw() &^ (0xf<<pswISC | 3<<pswET)) | (uint32(exc.ISC) << pswISC) | (uint32(ExcStack) << pswET)
	c.setPSW(psw)
	newPSW, err := c.readW(newPCB+pcbPSW, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	if err := c.saveFromCurrent(oldPCBP, newPSW); err != nil {
		return err
	}
	if err := c.loadFromNew(newPCB); err != nil {
		return err
	}
	psw = (c.psw() &^ (0xf<<pswISC | 3<<pswTM | 3<<pswET)) | (7 << pswISC) | (3 << pswET)
	c.setPSW(psw)
	return nil
}

// trapReset discards the current process and loads newPCB (the fixed
// reset vector) directly; the caller (emu/core) has already disabled
// the MMU, matching a real reset's forced physical addressing.
func (c *CPU) trapReset(newPCB uint32) error {
	return c.loadFromNew(newPCB)
}

// saveFromCurrent is context-switch phase 1: archive the current
// process's PC/PSW/SP into its PCB at oldPCBP. The R bit is copied
// from the incoming process's PSW into the current PSW before it's
// saved, since that bit decides whether the full register image
// (FP/R0-8/AP) is archived too; when it is, FP is left pointing at the
// PCB's R6 slot (PCBP+52) rather than its original value.
func (c *CPU) saveFromCurrent(oldPCBP uint32, newPSW uint32) error {
	if err := c.writeW(oldPCBP+pcbPC, c.R[RegPC]); err != nil {
		return err
	}
	rBit := newPSW&(1<<pswR) != 0
	psw := c.psw() &^ (1 << pswR)
	if rBit {
		psw |= 1 << pswR
	}
	c.setPSW(psw)
	if err := c.writeW(oldPCBP+pcbPSW, psw); err != nil {
		return err
	}
	if err := c.writeW(oldPCBP+pcbSP, c.R[RegSP]); err != nil {
		return err
	}
	if !rBit {
		return nil
	}
	if err := c.writeW(oldPCBP+pcbFP, c.R[RegFP]); err != nil {
		return err
	}
	for r := 0; r <= 8; r++ {
		if err := c.writeW(oldPCBP+pcbR0+uint32(r*4), c.R[r]); err != nil {
			return err
		}
	}
	if err := c.writeW(oldPCBP+pcbAP, c.R[RegAP]); err != nil {
		return err
	}
	c.R[RegFP] = oldPCBP + pcbR0 + 6*4 // reseat to the PCB's R6 slot
	return nil
}

// loadFromNew is context-switch phase 2: point PCBP at newPCB and load
// PSW/PC/SP from it, clearing TM. If the new PSW's I bit is set, the
// PCB carries a 12-byte initial-context area before the stack-bounds
// fields; PCBP advances past it so every later fixed offset (stack
// bounds, AP, FP, R0-8, the block-move descriptor list) lands in the
// right place regardless of which PCB shape this process uses.
func (c *CPU) loadFromNew(newPCB uint32) error {
	psw, err := c.readW(newPCB+pcbPSW, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	pc, err := c.readW(newPCB+pcbPC, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	sp, err := c.readW(newPCB+pcbSP, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	psw &^= 1 << pswTM
	pcbp := newPCB
	if psw&(1<<pswI) != 0 {
		psw &^= 1 << pswI
		pcbp = newPCB + 12
	}
	low, err := c.readW(pcbp+pcbStackLow, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	high, err := c.readW(pcbp+pcbStackHigh, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.StackLow, c.StackHigh = low, high
	c.setPSW(psw)
	c.R[RegPC] = pc
	c.R[RegSP] = sp
	c.R[RegPCBP] = pcbp
	c.waiting = false
	return nil
}

// blockMoveIn is context-switch phase 3: when the current (now new)
// PSW's R bit is set, walk the block-move descriptor list at
// PCBP+64 -- (destination, count, source) word triples, terminated by
// a zero count -- moving count words per descriptor with MOVBLW
// semantics (translated source read, plain destination write).
func (c *CPU) blockMoveIn() error {
	if !c.flag(pswR) {
		return nil
	}
	desc := c.R[RegPCBP] + pcbDescList
	for {
		cnt, err := c.readW(desc+4, D.AccessOperandFetch)
		if err != nil {
			return err
		}
		if cnt == 0 {
			return nil
		}
		dstAddr, err := c.readW(desc, D.AccessOperandFetch)
		if err != nil {
			return err
		}
		srcAddr, err := c.readW(desc+8, D.AccessOperandFetch)
		if err != nil {
			return err
		}
		s, d := srcAddr, dstAddr
		for i := uint32(0); i < cnt; i++ {
			v, err := c.readW(s, D.AccessMoveTranslated)
			if err != nil {
				return err
			}
			if err := c.writeW(d, v); err != nil {
				return err
			}
			s += 4
			d += 4
		}
		desc += 12
	}
}

// pushISP/popISP implement the interrupt-stack push/pop primitive
// Stack exceptions and CALLPS/RETPS use to save/restore the
// interrupted process's PCBP, independent of that process's own SP.
func (c *CPU) pushISP(v uint32) error {
	if err := c.writeW(c.R[RegISP], v); err != nil {
		return err
	}
	c.R[RegISP] += 4
	return nil
}

func (c *CPU) popISP() (uint32, error) {
	c.R[RegISP] -= 4
	return c.readW(c.R[RegISP], D.AccessOperandFetch)
}

// doCallps performs a full process switch into the process named by
// R0's PCBP, saving the caller's PCBP on the interrupt stack so
// RETPS can find its way back.
func (c *CPU) doCallps() error {
	newPCB := c.R[0]
	if err := c.pushISP(c.R[RegPCBP]); err != nil {
		return err
	}
	c.R[RegPC] += 2
	psw := (c.psw() &^ (0xf<<pswISC | 3<<pswTM | 3<<pswET)) | (1 << pswET)
	c.setPSW(psw)
	newPSW, err := c.readW(newPCB+pcbPSW, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	if err := c.saveFromCurrent(c.R[RegPCBP], newPSW); err != nil {
		return err
	}
	if err := c.loadFromNew(newPCB); err != nil {
		return err
	}
	psw = (c.psw() &^ (0xf<<pswISC | 3<<pswET)) | (7 << pswISC) | (3 << pswET)
	c.setPSW(psw)
	return c.blockMoveIn()
}

// doRetps is CALLPS's inverse: pop the calling process's PCBP from the
// interrupt stack and switch back into it, copying the R bit forward
// and restoring the full register image if R is set.
func (c *CPU) doRetps() error {
	newPCB, err := c.popISP()
	if err != nil {
		return err
	}
	newPSW, err := c.readW(newPCB+pcbPSW, D.AccessOperandFetch)
	if err != nil {
		return err
	}
	c.setPSW((c.psw() &^ (1 << pswR)) | (newPSW & (1 << pswR)))
	if err := c.loadFromNew(newPCB); err != nil {
		return err
	}
	return c.blockMoveIn()
}

// PollInterrupts samples the attached interrupt fabric (the CIO bus,
// via PendingScan) and, if the highest pending IPL exceeds the current
// PSW.IPL, returns it for the driver loop to deliver. It does not by
// itself perform the context switch.
func (c *CPU) PollInterrupts() (D.Pending, bool) {
	if c.PendingScan == nil {
		return D.Pending{}, false
	}
	curIPL := uint8((c.psw() >> pswIPL) & 0xf)
	var best D.Pending
	found := false
	for _, p := range c.PendingScan() {
		if p.IPL > curIPL && (!found || p.IPL > best.IPL) {
			best = p
			found = true
		}
	}
	return best, found
}

// Halted reports whether the last executed instruction halted the CPU.
func (c *CPU) Halted() bool { return c.halted }

// Waiting reports whether the CPU is blocked in WAIT awaiting an
// interrupt.
func (c *CPU) Waiting() bool { return c.waiting }

// Resume clears a WAIT block, called when PollInterrupts finds work.
func (c *CPU) Resume() { c.waiting = false }

// LogState emits a debug-level trace line describing the current
// register file; used by the driver loop's instruction tracing option.
func (c *CPU) LogState() {
	slog.Debug("cpu state", "pc", c.R[RegPC], "psw", c.psw(), "sp", c.R[RegSP])
}
