/*
   we32200 - Physical memory and bus timing

   Copyright 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a copy
   of this software and associated documentation files (the "Software"), to deal
   in the Software without restriction, including without limitation the rights
   to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
   copies of the Software, and to permit persons to whom the Software is
   furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
   AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
   LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
   OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
   SOFTWARE.

*/

// Package memory holds the flat 32-bit physical address space shared by
// the CPU core and its devices. Addressing and ROM/RAM window placement
// follow the 3B2 memory map; per-page protection is the MMU's job, not
// memory's.
package memory

const (
	// RomBase and RomSize bound the boot ROM window.
	RomBase uint32 = 0x000000
	RomSize uint32 = 128 * 1024

	// RamBase is where main RAM begins on every 3B2 generation.
	RamBase uint32 = 0x2000000

	minRAMBytes = 1 * 1024 * 1024
	maxRAMBytes = 64 * 1024 * 1024
)

type mem struct {
	rom     []byte
	ram     []byte
	ramSize uint32
}

var physMem mem

// SetSize configures RAM size in bytes, clamped to the 3B2's documented
// 1 MiB - 64 MiB range and rounded down to a page (4K) multiple.
func SetSize(bytes int) {
	if bytes < minRAMBytes {
		bytes = minRAMBytes
	}
	if bytes > maxRAMBytes {
		bytes = maxRAMBytes
	}
	bytes &^= 0xfff
	physMem.ramSize = uint32(bytes)
	physMem.ram = make([]byte, bytes)
}

// GetSize returns the configured RAM size in bytes.
func GetSize() uint32 {
	return physMem.ramSize
}

// LoadROM installs the boot ROM image, truncated/zero-padded to RomSize.
func LoadROM(image []byte) {
	physMem.rom = make([]byte, RomSize)
	copy(physMem.rom, image)
}

// bank returns the backing slice and offset for a physical address, or
// nil if the address isn't backed by ROM or RAM (e.g. it falls in the
// sparse I/O window, which devices handle directly).
func bank(addr uint32) ([]byte, uint32) {
	if addr < RomSize && len(physMem.rom) != 0 {
		return physMem.rom, addr
	}
	if addr >= RamBase {
		off := addr - RamBase
		if off < physMem.ramSize {
			return physMem.ram, off
		}
	}
	return nil, 0
}

// CheckAddr reports whether addr is backed by ROM or RAM.
func CheckAddr(addr uint32) bool {
	b, _ := bank(addr)
	return b != nil
}

// GetByte reads one byte. ok is false if the address isn't backed by
// memory (the caller raises an address exception or lets the bus-timeout
// watchdog fire).
func GetByte(addr uint32) (uint8, bool) {
	b, off := bank(addr)
	if b == nil {
		return 0, false
	}
	return b[off], true
}

// PutByte writes one byte.
func PutByte(addr uint32, v uint8) bool {
	b, off := bank(addr)
	if b == nil {
		return false
	}
	b[off] = v
	return true
}

// GetHalf reads a 16-bit halfword, big-endian.
func GetHalf(addr uint32) (uint16, bool) {
	b0, ok0 := GetByte(addr)
	b1, ok1 := GetByte(addr + 1)
	if !ok0 || !ok1 {
		return 0, false
	}
	return uint16(b0)<<8 | uint16(b1), true
}

// PutHalf writes a 16-bit halfword, big-endian.
func PutHalf(addr uint32, v uint16) bool {
	ok0 := PutByte(addr, uint8(v>>8))
	ok1 := PutByte(addr+1, uint8(v))
	return ok0 && ok1
}

// GetWord reads a 32-bit word, big-endian.
func GetWord(addr uint32) (uint32, bool) {
	h0, ok0 := GetHalf(addr)
	h1, ok1 := GetHalf(addr + 2)
	if !ok0 || !ok1 {
		return 0, false
	}
	return uint32(h0)<<16 | uint32(h1), true
}

// PutWord writes a 32-bit word, big-endian.
func PutWord(addr uint32, v uint32) bool {
	ok0 := PutHalf(addr, uint16(v>>16))
	ok1 := PutHalf(addr+2, uint16(v))
	return ok0 && ok1
}

// PutWordMask writes only the bits set in mask, leaving the rest of the
// word untouched.
func PutWordMask(addr uint32, v uint32, mask uint32) bool {
	cur, ok := GetWord(addr)
	if !ok {
		return false
	}
	return PutWord(addr, (cur&^mask)|(v&mask))
}
