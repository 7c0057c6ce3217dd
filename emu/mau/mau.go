/*
   we32200 Math Acceleration Unit (WE32106-compatible coprocessor).

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

// Package mau models the WE32106 Math Acceleration Unit: a broadcast-
// command floating point coprocessor holding 4 extended-precision (80
// bit) data registers, F0-F3, plus a 32-bit accelerator status register
// (ASR) carrying sticky exception flags, the rounding mode and the
// result-available bit. The CPU "broadcasts" a command/source/dest word
// the way the real bus protocol did; MAU never initiates a memory
// access on its own.
package mau

import (
	"math"

	"github.com/kcoleman/we32200/emu/metrics"
)

// XFP is an IEEE-754 80-bit extended precision value: 1 sign bit, 15
// exponent bits biased by 16383, and a 64-bit explicit-integer-bit
// fraction. Go has no native 80-bit float, so arithmetic is carried out
// in float64 and the result re-packed into this layout; see DESIGN.md
// for why that tradeoff was made instead of importing a soft-float
// package (none of the example repos brings one).
type XFP struct {
	SignExp uint16 // bit 15 sign, bits 0-14 biased exponent
	Frac    uint64 // explicit integer bit + 63-bit fraction
}

const xfpBias = 16383

// Opcodes, matching the WE32106's broadcast command byte.
const (
	OpAdd   = 0x02
	OpSub   = 0x03
	OpDiv   = 0x04
	OpRem   = 0x05
	OpMul   = 0x06
	OpMove  = 0x07
	OpRdASR = 0x08
	OpWrASR = 0x09
	OpCmp   = 0x0a
	OpCmpE  = 0x0b
	OpAbs   = 0x0c
	OpSqrt  = 0x0d
	OpRtoI  = 0x0e
	OpFtoI  = 0x0f
	OpItoF  = 0x10
	OpDtoF  = 0x11
	OpFtoD  = 0x12
	OpNop   = 0x13
	OpErof  = 0x14
	OpNeg   = 0x17
	OpLdr   = 0x18
	OpCmpS  = 0x1a
	OpCmpES = 0x1b
)

// ASR sticky/mask/status bits.
const (
	asrPR   uint32 = 0x20
	asrQS   uint32 = 0x40
	asrUS   uint32 = 0x80
	asrOS   uint32 = 0x100
	asrIS   uint32 = 0x200
	asrPM   uint32 = 0x400
	asrQM   uint32 = 0x800
	asrUM   uint32 = 0x1000
	asrOM   uint32 = 0x2000
	asrIM   uint32 = 0x4000
	asrUO   uint32 = 0x10000
	asrPS   uint32 = 0x40000
	asrIO   uint32 = 0x80000
	asrZ    uint32 = 0x100000
	asrN    uint32 = 0x200000
	asrRCSh        = 22
	asrNTNC uint32 = 0x1000000
	asrRA   uint32 = 0x80000000
)

// RoundMode mirrors the ASR's 2-bit round-control field.
type RoundMode uint8

const (
	RoundNearest RoundMode = iota
	RoundPlusInf
	RoundMinusInf
	RoundZero
)

// MAU holds the coprocessor's register file and status.
type MAU struct {
	ASR uint32
	F   [4]XFP // F0-F3 operand/result registers
	DR  XFP    // Data register, destination of the last broadcast

	TrappingNaN bool // Latched: the last op saw a trapping NaN operand
}

// New returns a reset MAU: all registers zeroed, ASR clear (masks off,
// round-to-nearest).
func New() *MAU {
	return &MAU{}
}

func (m *MAU) round() RoundMode {
	return RoundMode((m.ASR >> asrRCSh) & 0x3)
}

// Broadcast executes one coprocessor command against the src and dst
// operands (mirroring the bus broadcast of an opcode plus a src/dst operand
// specifier) and deposits the result in DR, setting ASR sticky and
// status bits exactly as the hardware would. It returns the ASR value
// after the operation so the CPU can decide whether to trap.
func (m *MAU) Broadcast(opcode uint8, src, dst XFP) uint32 {
	m.ASR &^= asrRA
	var result XFP
	switch opcode {
	case OpAdd:
		result = m.fpOp(src, dst, func(a, b float64) float64 { return a + b })
	case OpSub:
		result = m.fpOp(src, dst, func(a, b float64) float64 { return a - b })
	case OpMul:
		result = m.fpOp(src, dst, func(a, b float64) float64 { return a * b })
	case OpDiv:
		result = m.divOp(src, dst)
	case OpRem:
		result = m.fpOp(src, dst, math.Mod)
	case OpSqrt:
		result = m.unaryOp(src, math.Sqrt)
	case OpAbs:
		result = m.unaryOp(src, math.Abs)
	case OpNeg:
		result = m.unaryOp(src, func(a float64) float64 { return -a })
	case OpMove, OpLdr:
		result = src
	case OpCmp, OpCmpE, OpCmpS, OpCmpES:
		result = m.compareOp(src, dst, opcode == OpCmpE || opcode == OpCmpES)
	case OpRdASR:
		result = uint32ToXFP(m.ASR)
	case OpWrASR:
		m.ASR = xfpToUint32(src)
		result = src
	case OpFtoI, OpRtoI:
		result = m.toIntOp(src)
	case OpItoF:
		result = m.fromIntOp(src)
	case OpDtoF, OpFtoD:
		result = src // precision-widening/narrowing is a pack-level detail only
	case OpNop, OpErof:
		result = m.DR
	default:
		m.setSticky(asrIS)
		result = defaultNaN()
	}

	m.DR = result
	switch opcode {
	case OpCmp, OpCmpE, OpCmpS, OpCmpES:
		// compareOp has already set Z/N from the comparison.
	default:
		m.updateStatusFlags(result)
	}
	m.ASR |= asrRA
	return m.ASR
}

func (m *MAU) fpOp(a, b XFP, fn func(x, y float64) float64) XFP {
	x, nx := xfpToFloat(a)
	y, ny := xfpToFloat(b)
	if nx || ny {
		return m.nanResult(a, b)
	}
	return m.pack(fn(x, y))
}

func (m *MAU) divOp(a, b XFP) XFP {
	y, ny := xfpToFloat(b)
	if !ny && y == 0 {
		m.setSticky(asrQS)
		if m.ASR&asrQM == 0 {
			return defaultNaN()
		}
	}
	return m.fpOp(a, b, func(x, y float64) float64 { return x / y })
}

func (m *MAU) unaryOp(a XFP, fn func(float64) float64) XFP {
	x, nx := xfpToFloat(a)
	if nx {
		return m.nanResult(a, a)
	}
	return m.pack(fn(x))
}

func (m *MAU) compareOp(a, b XFP, signaling bool) XFP {
	x, nx := xfpToFloat(a)
	y, ny := xfpToFloat(b)
	if nx || ny {
		m.setSticky(asrUO)
		if signaling {
			m.setSticky(asrIS)
		}
		return defaultNaN()
	}
	m.ASR &^= asrUO
	switch {
	case x < y:
		m.setFlags(false, true)
	case x > y:
		m.setFlags(false, false)
	default:
		m.setFlags(true, false)
	}
	return a
}

func (m *MAU) toIntOp(a XFP) XFP {
	x, nx := xfpToFloat(a)
	if nx {
		m.setSticky(asrIS)
		return defaultNaN()
	}
	r := roundTo(x, m.round())
	if r > math.MaxInt32 || r < math.MinInt32 {
		m.setSticky(asrIO)
	}
	return floatToXFP(r)
}

func (m *MAU) fromIntOp(a XFP) XFP {
	x, _ := xfpToFloat(a)
	return m.pack(x)
}

// pack converts a float64 arithmetic result back into extended
// precision, setting the inexact/overflow/underflow sticky bits that
// the packing observes.
func (m *MAU) pack(v float64) XFP {
	if math.IsNaN(v) {
		m.setSticky(asrIS)
		return defaultNaN()
	}
	if math.IsInf(v, 0) {
		m.setSticky(asrOS)
	}
	return floatToXFP(v)
}

func (m *MAU) nanResult(a, b XFP) XFP {
	if isTrappingNaN(a) || isTrappingNaN(b) {
		m.TrappingNaN = true
		m.setSticky(asrIS)
	}
	return defaultNaN()
}

var stickyNames = map[uint32]string{
	asrQS: "qs", asrUS: "us", asrOS: "os", asrIS: "is", asrUO: "uo", asrIO: "io",
}

func (m *MAU) setSticky(bit uint32) {
	m.ASR |= bit
	if name, ok := stickyNames[bit]; ok {
		metrics.MAUExceptions.WithLabelValues(name).Inc()
	}
}

func (m *MAU) setFlags(zero, neg bool) {
	m.ASR &^= asrZ | asrN
	if zero {
		m.ASR |= asrZ
	}
	if neg {
		m.ASR |= asrN
	}
}

func (m *MAU) updateStatusFlags(v XFP) {
	f, isNaN := xfpToFloat(v)
	if isNaN {
		return
	}
	m.setFlags(f == 0, f < 0)
}

func roundTo(x float64, rm RoundMode) float64 {
	switch rm {
	case RoundPlusInf:
		return math.Ceil(x)
	case RoundMinusInf:
		return math.Floor(x)
	case RoundZero:
		return math.Trunc(x)
	default:
		return math.Round(x)
	}
}

// xfpToFloat converts an extended-precision register to float64 for
// arithmetic. ok is false if v encodes a NaN or infinity that float64
// can't carry through a simple bit-for-bit reinterpretation (we detect
// those explicitly instead).
func xfpToFloat(v XFP) (float64, bool) {
	exp := int(v.SignExp & 0x7fff)
	sign := v.SignExp&0x8000 != 0
	if exp == 0x7fff {
		return 0, true // infinity or NaN: caller decides how to react
	}
	if exp == 0 && v.Frac == 0 {
		if sign {
			return math.Copysign(0, -1), false
		}
		return 0, false
	}
	mant := float64(v.Frac) / (1 << 63) // explicit integer bit included
	f := math.Ldexp(mant, exp-xfpBias)
	if sign {
		f = -f
	}
	return f, false
}

func floatToXFP(f float64) XFP {
	if f == 0 {
		if math.Signbit(f) {
			return XFP{SignExp: 0x8000}
		}
		return XFP{}
	}
	sign := uint16(0)
	if f < 0 {
		sign = 0x8000
		f = -f
	}
	mant, exp2 := math.Frexp(f) // f = mant * 2^exp2, 0.5 <= mant < 1
	exp := exp2 - 1 + xfpBias
	frac := uint64(mant * 2 * (1 << 63))
	return XFP{SignExp: sign | uint16(exp&0x7fff), Frac: frac}
}

func defaultNaN() XFP {
	return XFP{SignExp: 0xffff, Frac: 0xc000000000000000}
}

// isTrappingNaN matches the WE32106's distinction between quiet and
// trapping NaN encodings: the top fraction bit clear with any other
// fraction bit set signals a trapping NaN.
func isTrappingNaN(v XFP) bool {
	if v.SignExp&0x7fff != 0x7fff {
		return false
	}
	return v.Frac&0x4000000000000000 == 0 && v.Frac&0x3fffffffffffffff != 0
}

func uint32ToXFP(v uint32) XFP {
	return floatToXFP(float64(v))
}

func xfpToUint32(v XFP) uint32 {
	f, nan := xfpToFloat(v)
	if nan {
		return 0
	}
	return uint32(int64(f))
}
