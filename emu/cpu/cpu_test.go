/*
   we32200 CPU tests.

   Copyright (c) 2024, Richard Cornwell
*/

package cpu

import (
	"testing"

	D "github.com/kcoleman/we32200/emu/device"
	"github.com/kcoleman/we32200/emu/mau"
	"github.com/kcoleman/we32200/emu/memory"
)

func setup(t *testing.T) *CPU {
	t.Helper()
	memory.SetSize(1024 * 1024)
	memory.LoadROM(make([]byte, 0x1000)) // backs the low fixed vector addresses
	c := New(nil, mau.New())
	c.R[RegPC] = memory.RamBase
	return c
}

func load(t *testing.T, addr uint32, bytes ...byte) {
	t.Helper()
	for i, b := range bytes {
		if !memory.PutByte(addr+uint32(i), b) {
			t.Fatalf("failed to load byte at %#x", addr+uint32(i))
		}
	}
}

// register-mode MOVW %r1,%r2: 84 41 42 (mode 4 = register)
func TestMovRegisterToRegister(t *testing.T) {
	c := setup(t)
	load(t, c.R[RegPC], opMOVW, 0x41, 0x42)
	c.R[1] = 0xdeadbeef
	if err := c.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if c.R[2] != 0xdeadbeef {
		t.Errorf("R2 = %#x, want 0xdeadbeef", c.R[2])
	}
}

// ADDW2 &imm(4), %r0: positive literal 4 in mode bits (0x04), register dest.
func TestAddLiteralToRegister(t *testing.T) {
	c := setup(t)
	load(t, c.R[RegPC], opADDW2, 0x04, 0x40)
	c.R[0] = 10
	if err := c.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if c.R[0] != 14 {
		t.Errorf("R0 = %d, want 14", c.R[0])
	}
	if c.flag(pswZ) {
		t.Errorf("Z flag set, result is non-zero")
	}
}

func TestClearSetsZero(t *testing.T) {
	c := setup(t)
	load(t, c.R[RegPC], opCLRW, 0x40)
	c.R[0] = 0xffffffff
	if err := c.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if c.R[0] != 0 {
		t.Errorf("R0 = %#x, want 0", c.R[0])
	}
	if !c.flag(pswZ) {
		t.Errorf("expected Z flag set after CLRW")
	}
}

func TestDivideByZeroRaisesException(t *testing.T) {
	c := setup(t)
	// DIVW2 &0,%r0 -- literal zero divisor, register dest.
	load(t, c.R[RegPC], opDIVW2, 0x00, 0x40)
	c.R[0] = 100
	err := c.Step()
	exc, ok := err.(*Exception)
	if !ok || exc.Class != ExcNormal || exc.ISC != IntZeroDivide {
		t.Fatalf("Step() = %v, want IntZeroDivide exception", err)
	}
}

func TestCallAndRet(t *testing.T) {
	c := setup(t)
	c.R[RegSP] = memory.RamBase + 0x1000
	target := memory.RamBase + 0x2000
	// CALL $target, with a register-deferred arg pointer of r0.
	load(t, c.R[RegPC], opCALL)
	// arg operand: register deferred (%r0), mode 5
	memory.PutByte(c.R[RegPC]+1, 0x50)
	// dest operand: absolute (mode 7, reg 15) + word address, low byte first
	memory.PutByte(c.R[RegPC]+2, 0x7f)
	load(t, c.R[RegPC]+3, byte(target), byte(target>>8), byte(target>>16), byte(target>>24))
	load(t, target, opRET)

	retPC := c.R[RegPC] + 7
	if err := c.Step(); err != nil {
		t.Fatalf("CALL failed: %v", err)
	}
	if c.R[RegPC] != target {
		t.Fatalf("PC = %#x, want target %#x", c.R[RegPC], target)
	}
	if err := c.Step(); err != nil {
		t.Fatalf("RET failed: %v", err)
	}
	if c.R[RegPC] != retPC {
		t.Errorf("PC after RET = %#x, want %#x", c.R[RegPC], retPC)
	}
}

func TestIllegalOpcodeRaisesException(t *testing.T) {
	c := setup(t)
	load(t, c.R[RegPC], 0x01) // unassigned opcode
	err := c.Step()
	exc, ok := err.(*Exception)
	if !ok || exc.ISC != IllegalOpcode {
		t.Fatalf("Step() = %v, want IllegalOpcode", err)
	}
}

// writePCB lays out a minimal PCB at base following the fixed layout:
// PSW@0, PC@4, SP@8, stack-bounds@12/16. Callers fill in anything else
// they need (AP/FP/R0-8/descriptor list) directly.
func writePCB(base uint32, psw, pc, sp, stackLow, stackHigh uint32) {
	memory.PutWord(base+pcbPSW, psw)
	memory.PutWord(base+pcbPC, pc)
	memory.PutWord(base+pcbSP, sp)
	memory.PutWord(base+pcbStackLow, stackLow)
	memory.PutWord(base+pcbStackHigh, stackHigh)
}

func TestTrapStackSwitchesPCBUsingRealLayout(t *testing.T) {
	c := setup(t)
	oldPCB := memory.RamBase + 0x500
	newPCB := memory.RamBase + 0x600
	c.R[RegISP] = memory.RamBase + 0x4000
	c.R[RegPCBP] = oldPCB
	c.R[RegPC] = memory.RamBase + 0x1000
	c.R[RegSP] = memory.RamBase + 0x1100
	writePCB(newPCB, 0, memory.RamBase+0x9000, memory.RamBase+0x1200, memory.RamBase+0x1000, memory.RamBase+0x2000)

	exc := &Exception{Class: ExcStack, ISC: StackFault}
	if err := c.Trap(exc, newPCB); err != nil {
		t.Fatalf("Trap failed: %v", err)
	}

	oldPC, _ := memory.GetWord(oldPCB + pcbPC)
	if oldPC != memory.RamBase+0x1000 {
		t.Errorf("old PCB PC@+4 = %#x, want the interrupted PC", oldPC)
	}
	oldSP, _ := memory.GetWord(oldPCB + pcbSP)
	if oldSP != memory.RamBase+0x1100 {
		t.Errorf("old PCB SP@+8 = %#x, want the interrupted SP", oldSP)
	}
	if c.R[RegPC] != memory.RamBase+0x9000 {
		t.Errorf("PC after trap = %#x, want new PCB's PC", c.R[RegPC])
	}
	if c.R[RegPCBP] != newPCB {
		t.Errorf("PCBP = %#x, want %#x", c.R[RegPCBP], newPCB)
	}
	if c.R[RegSP] != memory.RamBase+0x1200 {
		t.Errorf("SP after trap = %#x, want new PCB's SP", c.R[RegSP])
	}
	isc := (c.psw() >> pswISC) & 0xf
	et := (c.psw() >> pswET) & 3
	if isc != 7 || et != ExcNormal {
		t.Errorf("new PSW ISC/ET = %d/%d, want 7/%d", isc, et, ExcNormal)
	}
	savedOldPCBP, _ := memory.GetWord(c.R[RegISP] - 4)
	if savedOldPCBP != oldPCB {
		t.Errorf("interrupt stack top = %#x, want old PCBP %#x", savedOldPCBP, oldPCB)
	}
}

func TestTrapStackSavesFullRegisterImageWhenRBitSet(t *testing.T) {
	c := setup(t)
	oldPCB := memory.RamBase + 0x500
	newPCB := memory.RamBase + 0x600
	c.R[RegISP] = memory.RamBase + 0x4000
	c.R[RegPCBP] = oldPCB
	c.R[RegFP] = 0xaaaaaaaa
	c.R[RegAP] = 0xbbbbbbbb
	for r := 0; r <= 8; r++ {
		c.R[r] = 0x1000 + uint32(r)
	}
	// New PSW requests R bit (register image save/restore).
	writePCB(newPCB, 1<<pswR, memory.RamBase+0x9000, memory.RamBase+0x1200, 0, 0xffffffff)

	if err := c.Trap(&Exception{Class: ExcStack, ISC: StackFault}, newPCB); err != nil {
		t.Fatalf("Trap failed: %v", err)
	}

	for r := 0; r <= 8; r++ {
		v, _ := memory.GetWord(oldPCB + pcbR0 + uint32(r*4))
		if v != 0x1000+uint32(r) {
			t.Errorf("old PCB R%d = %#x, want %#x", r, v, 0x1000+uint32(r))
		}
	}
	ap, _ := memory.GetWord(oldPCB + pcbAP)
	if ap != 0xbbbbbbbb {
		t.Errorf("old PCB AP = %#x, want 0xbbbbbbbb", ap)
	}
	fp, _ := memory.GetWord(oldPCB + pcbFP)
	if fp != 0xaaaaaaaa {
		t.Errorf("old PCB FP = %#x, want 0xaaaaaaaa", fp)
	}
	if c.R[RegFP] != oldPCB+52 {
		t.Errorf("FP after save = %#x, want reseated to PCBP+52 (%#x)", c.R[RegFP], oldPCB+52)
	}
}

func TestTrapNormalDispatchesThroughGateTable(t *testing.T) {
	c := setup(t)
	c.R[RegPCBP] = memory.RamBase + 0x500
	c.R[RegPC] = memory.RamBase + 0x1000
	c.R[RegSP] = memory.RamBase + 0x1100
	c.StackLow, c.StackHigh = memory.RamBase+0x1000, memory.RamBase+0x2000

	// Gate level-1 pointer lives at address 0; level-2 entry at
	// l1 + (ISC<<3) holds the new PSW then the new PC.
	l1 := memory.RamBase + 0x800
	memory.PutWord(0, l1)
	isc := uint8(IllegalOpcode)
	l2 := l1 + uint32(isc)<<3
	memory.PutWord(l2, 0)
	memory.PutWord(l2+4, memory.RamBase+0x9000)

	if err := c.Trap(&Exception{Class: ExcNormal, ISC: isc}, 0); err != nil {
		t.Fatalf("Trap failed: %v", err)
	}
	if c.R[RegPC] != memory.RamBase+0x9000 {
		t.Errorf("PC after normal-exception trap = %#x, want %#x", c.R[RegPC], memory.RamBase+0x9000)
	}
	if c.R[RegPCBP] != memory.RamBase+0x500 {
		t.Errorf("PCBP changed on a Normal exception; want it untouched")
	}
	savedPC, _ := memory.GetWord(c.R[RegSP] - 8)
	if savedPC != memory.RamBase+0x1000 {
		t.Errorf("pushed PC = %#x, want the interrupted PC", savedPC)
	}
}

func TestTrapNormalEscalatesToStackExceptionOnBadSP(t *testing.T) {
	c := setup(t)
	c.R[RegPCBP] = memory.RamBase + 0x500
	c.R[RegSP] = memory.RamBase + 0x50 // below StackLow
	c.StackLow, c.StackHigh = memory.RamBase+0x1000, memory.RamBase+0x2000

	err := c.Trap(&Exception{Class: ExcNormal, ISC: IllegalOpcode}, 0)
	exc, ok := err.(*Exception)
	if !ok || exc.Class != ExcStack || exc.ISC != StackBound {
		t.Fatalf("Trap() = %v, want a stack-bound stack exception", err)
	}
}

func TestPollInterruptsRespectsIPL(t *testing.T) {
	c := setup(t)
	c.setPSW(5 << pswIPL)
	c.PendingScan = func() []D.Pending {
		return []D.Pending{
			{Source: D.SourceClock, IPL: 3},
			{Source: D.SourceCIO, IPL: 13},
		}
	}
	p, ok := c.PollInterrupts()
	if !ok || p.Source != D.SourceCIO {
		t.Fatalf("PollInterrupts = %+v, %v, want the IPL 13 CIO source", p, ok)
	}
}

func TestWaitBlocksStep(t *testing.T) {
	c := setup(t)
	load(t, c.R[RegPC], opWAIT)
	if err := c.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !c.Waiting() {
		t.Fatalf("expected CPU to be waiting after WAIT")
	}
	pcBefore := c.R[RegPC]
	if err := c.Step(); err != nil {
		t.Fatalf("Step while waiting failed: %v", err)
	}
	if c.R[RegPC] != pcBefore {
		t.Errorf("PC advanced while waiting")
	}
	c.Resume()
	if c.Waiting() {
		t.Errorf("Resume should clear waiting")
	}
}

func TestWaitFromUserModeIsPrivileged(t *testing.T) {
	c := setup(t)
	c.setPSW(3 << pswCM) // user mode
	load(t, c.R[RegPC], opWAIT)
	err := c.Step()
	exc, ok := err.(*Exception)
	if !ok || exc.Class != ExcNormal || exc.ISC != PrivilegedOpcode {
		t.Fatalf("Step() = %v, want PrivilegedOpcode", err)
	}
	if c.Waiting() {
		t.Errorf("WAIT from user mode must not block the CPU")
	}
}

func TestStoreToPSWFromUserModeIsPrivileged(t *testing.T) {
	c := setup(t)
	c.setPSW(3 << pswCM) // user mode
	// MOVW %r1,%psw: mode 4 register src (r1), mode 4 register dst (RegPSW=11=0xb)
	load(t, c.R[RegPC], opMOVW, 0x41, 0x4b)
	err := c.Step()
	exc, ok := err.(*Exception)
	if !ok || exc.Class != ExcNormal || exc.ISC != PrivilegedReg {
		t.Fatalf("Step() = %v, want PrivilegedReg", err)
	}
}

func TestGateChecksStackBounds(t *testing.T) {
	c := setup(t)
	c.R[RegSP] = memory.RamBase + 0x50
	c.StackLow, c.StackHigh = memory.RamBase+0x1000, memory.RamBase+0x2000
	load(t, c.R[RegPC], 0x30, 0x61) // opEMB, opGATE's secondary byte

	err := c.Step()
	exc, ok := err.(*Exception)
	if !ok || exc.Class != ExcStack || exc.ISC != StackBound {
		t.Fatalf("Step() = %v, want a stack-bound stack exception", err)
	}
}

func TestGateTwoLevelIndirection(t *testing.T) {
	c := setup(t)
	c.R[RegPC] = memory.RamBase + 0x1000
	c.R[RegSP] = memory.RamBase + 0x1100
	c.StackLow, c.StackHigh = memory.RamBase+0x1000, memory.RamBase+0x2000
	c.setPSW(0) // kernel CM

	c.R[0] = 0x104 // masked to 0x7c by GATE
	c.R[1] = 0x10  // masked to 0x7ff8 by GATE
	l1 := memory.RamBase + 0x900
	memory.PutWord(c.R[0]&0x7c, l1)
	l2 := l1 + (c.R[1] & 0x7ff8)
	memory.PutWord(l2, 1<<pswCM) // new PSW: CM=1
	memory.PutWord(l2+4, memory.RamBase+0x9000)

	load(t, c.R[RegPC], opEMB, 0x61)
	if err := c.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if c.R[RegPC] != memory.RamBase+0x9000 {
		t.Errorf("PC after GATE = %#x, want %#x", c.R[RegPC], memory.RamBase+0x9000)
	}
	pm := (c.psw() >> pswPM) & 3
	if pm != 0 {
		t.Errorf("new PSW.PM = %d, want 0 (old CM)", pm)
	}
	isc := (c.psw() >> pswISC) & 0xf
	tm := (c.psw() >> pswTM) & 1
	et := (c.psw() >> pswET) & 3
	if isc != 7 || tm != 1 || et != 3 {
		t.Errorf("new PSW ISC/TM/ET = %d/%d/%d, want 7/1/3", isc, tm, et)
	}
}
