/*
   we32200 memory management unit.

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

// Package mmu implements the segmented+paged WE32101/WE32201 memory
// management unit in both of its cache organizations: gen1 (3B2/400)
// with a small direct-mapped page descriptor cache and a single
// implicit address space, and gen2 (3B2/700) with a fully-associative
// page descriptor cache tagged by context (IDN) so several address
// spaces can be cached at once. Segment translation, fault codes and
// the virtual address field layout are shared between both.
package mmu

import (
	D "github.com/kcoleman/we32200/emu/device"
	"github.com/kcoleman/we32200/emu/memory"
	"github.com/kcoleman/we32200/emu/metrics"
)

// Generation selects the cache organization; translation semantics are
// otherwise identical.
type Generation int

const (
	Gen1 Generation = iota // 3B2/400: direct-mapped PDC, single context.
	Gen2                   // 3B2/700: fully-associative PDC, multi-context.
)

// PageSize selects the page granularity, mirroring the MMU_CONF_PS field.
type PageSize int

const (
	PageSize2K PageSize = iota
	PageSize4K
	PageSize8K
)

func (ps PageSize) offsetBits() uint {
	return 11 + uint(ps)
}

func (ps PageSize) bytes() uint32 {
	return 1 << ps.offsetBits()
}

// Fault codes, taken from the WE32201 MMU Fault Code register.
const (
	FaultMissMem     = 1
	FaultRMUpdate    = 2
	FaultSDTLen      = 3
	FaultPW          = 4
	FaultPDTLen      = 5
	FaultInvalidSD   = 6
	FaultSegNotPres  = 7
	FaultPDTNotPres  = 9
	FaultPageNotPres = 10
	FaultIndirect    = 11
	FaultAccess      = 13
	FaultSegOffset   = 14
)

// Fault reports a failed translation; Code/Addr mirror the MMU's latched
// fault code and fault address registers at the moment of the fault.
type Fault struct {
	Code uint8
	Addr uint32
}

func (f *Fault) Error() string {
	return "mmu fault"
}

const (
	numSections   = 4
	numSDCEntries = 8
	maxIndirects  = 3
)

// section mirrors the decoded contents of Section RAM A/B: the base
// address and length (in segment-table entries) of one of the 4
// top-level segment tables.
type section struct {
	addr uint32
	len  uint32
}

// sdEntry is a decoded segment descriptor.
type sdEntry struct {
	present   bool
	modified  bool
	contig    bool
	valid     bool
	indirect  bool
	maxOffset uint32
	acc       uint8
	addr      uint32
}

// sdcEntry is a Segment Descriptor Cache line.
type sdcEntry struct {
	valid bool
	sd    sdEntry
	vtag  uint32 // bits 20-31 of the virtual address that filled this line
}

// pdEntry is a decoded page descriptor.
type pdEntry struct {
	present    bool
	modified   bool
	writable   bool
	referenced bool
	acc        uint8
	physAddr   uint32
	descAddr   uint32 // physical address of the descriptor word, for M/R writeback
}

// pdcEntry is a Page Descriptor Cache line; gen1 uses only vtag (single
// context), gen2 additionally compares context.
type pdcEntry struct {
	valid   bool
	global  bool
	context uint32
	vtag    uint32
	pd      pdEntry
}

// MMU holds all per-CPU memory management state: the cache organization
// selected at configuration time, the segment table bases, both caches,
// the current per-segment context IDs (gen2 only), and the
// fault-code/fault-address registers the CPU's exception path reads
// after a failed translation.
type MMU struct {
	gen      Generation
	pageSize PageSize
	enabled  bool

	sections [numSections]section
	context  [numSections]uint32 // current ID number register per section, gen2 only

	sdc [numSDCEntries]sdcEntry
	pdc []pdcEntry // direct-mapped (gen1) or fully-associative (gen2)

	FaultCode uint16
	FaultAddr uint32

	SDCHits, SDCMiss int
	PDCHits, PDCMiss int

	pdcMRU int // index of the most-recently-used PDC entry; -1 if none
}

// gen1PDCSize and gen2PDCSize follow the real hardware's cache depth.
const (
	gen1PDCSize = 32
	gen2PDCSize = 64
)

// New creates an MMU of the given generation and page size, disabled
// until Enable is called (matching cold-boot behavior: the CPU runs
// out of physical ROM until firmware configures and enables the MMU).
func New(gen Generation, pageSize PageSize) *MMU {
	m := &MMU{gen: gen, pageSize: pageSize, pdcMRU: -1}
	if gen == Gen1 {
		m.pdc = make([]pdcEntry, gen1PDCSize)
	} else {
		m.pdc = make([]pdcEntry, gen2PDCSize)
	}
	return m
}

// Enable/Disable toggle translation; while disabled, Translate is the
// identity function (used during early boot).
func (m *MMU) Enable()       { m.enabled = true }
func (m *MMU) Disable()      { m.enabled = false }
func (m *MMU) Enabled() bool { return m.enabled }

// SetSection programs one of the 4 top-level segment table bases, as
// firmware does by writing Section RAM A/B.
func (m *MMU) SetSection(id int, addr uint32, length uint32) {
	m.sections[id] = section{addr: addr, len: length}
}

// SetContext sets the current ID Number Register for a section. Only
// meaningful on gen2, where the PDC tags entries by context so that
// switching address spaces doesn't require a full flush.
func (m *MMU) SetContext(id int, ctx uint32) {
	m.context[id] = ctx
}

// Virtual address field extraction, per the WE32100 2-bit SID /
// 13-bit SSL / 17-bit SOT split.
func sid(va uint32) uint32 { return (va >> 30) & 0x3 }
func ssl(va uint32) uint32 { return (va >> 17) & 0x1fff }
func sot(va uint32) uint32 { return va & 0x1ffff }

func (m *MMU) psl(va uint32) uint32 {
	bits := m.pageSize.offsetBits()
	return (va >> bits) & (0x3f >> uint(m.pageSize))
}

func (m *MMU) pot(va uint32) uint32 {
	return va & (m.pageSize.bytes() - 1)
}

func (m *MMU) fault(code uint8, acc D.AccessType, cm uint8, va uint32) error {
	m.FaultCode = (uint16(acc) << 7) | (uint16(cm&0x3) << 5) | uint16(code&0x1f)
	m.FaultAddr = va
	return &Fault{Code: code, Addr: va}
}

// Translate converts a virtual address to a physical one under the
// given access type and current CPU mode (0-3, used for permission
// selection). err is non-nil on any fault; the MMU's
// FaultCode/FaultAddr registers are latched exactly as a real access
// would leave them, for the CPU's exception handler to read.
func (m *MMU) Translate(va uint32, acc D.AccessType, cm uint8) (uint32, error) {
	if !m.enabled {
		return va, nil
	}

	sidv := sid(va)
	sec := m.sections[sidv]

	sslv := ssl(va)
	if sslv >= sec.len {
		return 0, m.fault(FaultSDTLen, acc, cm, va)
	}

	sd, err := m.lookupSD(sidv, va)
	if err != nil {
		if f, ok := err.(*Fault); ok {
			return 0, m.fault(f.Code, acc, cm, va)
		}
		return 0, err
	}
	if !sd.valid || !sd.present {
		return 0, m.fault(FaultSegNotPres, acc, cm, va)
	}

	if !permitted(sd.acc, cm, acc) {
		return 0, m.fault(FaultAccess, acc, cm, va)
	}

	sotv := sot(va)
	maxBytes := (sd.maxOffset + 1) * m.pageSize.bytes()
	if uint32(sotv) >= maxBytes {
		return 0, m.fault(FaultSegOffset, acc, cm, va)
	}

	if sd.contig {
		return sd.addr + sotv, nil
	}

	idx, err := m.lookupPD(sidv, sd, va, cm, acc)
	if err != nil {
		return 0, err
	}
	entry := &m.pdc[idx]
	if !entry.pd.present {
		return 0, m.fault(FaultPageNotPres, acc, cm, va)
	}
	m.markAccessed(entry, acc)
	return entry.pd.physAddr | m.pot(va), nil
}

// markAccessed sets the PDC entry's (and backing page descriptor's) R
// bit on every access and M bit on writes, per the walk's last step; M
// only ever sets within an entry's cache lifetime, never clears.
func (m *MMU) markAccessed(e *pdcEntry, acc D.AccessType) {
	write := acc == D.AccessWrite || acc == D.AccessCoprocessorWrite
	if e.pd.referenced && (!write || e.pd.modified) {
		return
	}
	e.pd.referenced = true
	if write {
		e.pd.modified = true
	}
	word, ok := memory.GetWord(e.pd.descAddr)
	if !ok {
		return
	}
	word |= 0x20
	if write {
		word |= 0x2
	}
	memory.PutWord(e.pd.descAddr, word)
}

// permitted checks the 2-bit-per-mode access byte from the segment
// descriptor against the requested access. Levels follow the WE32100
// convention: 0 no access, 1 read-only, 2 read/write, 3 read/write/
// execute -- execute is meaningless for data accesses and is treated
// as read/write.
func permitted(accByte uint8, cm uint8, acc D.AccessType) bool {
	shift := (3 - (cm & 0x3)) * 2
	level := (accByte >> shift) & 0x3
	switch acc {
	case D.AccessWrite, D.AccessCoprocessorWrite:
		return level >= 2
	default:
		return level >= 1
	}
}

// lookupSD returns the segment descriptor for va's segment, consulting
// and filling the SDC first.
func (m *MMU) lookupSD(sidv uint32, va uint32) (sdEntry, error) {
	idx := (va >> 17) & 0x7
	line := &m.sdc[idx]
	vtag := va & 0xfff00000
	if line.valid && line.vtag == vtag {
		m.SDCHits++
		metrics.MMUCacheEvents.WithLabelValues("sdc", "hit").Inc()
		return line.sd, nil
	}
	m.SDCMiss++
	metrics.MMUCacheEvents.WithLabelValues("sdc", "miss").Inc()

	addr := m.sections[sidv].addr + ssl(va)*8
	sd, err := m.readSD(addr)
	if err != nil {
		return sdEntry{}, &Fault{Code: FaultMissMem, Addr: addr}
	}

	depth := 0
	for sd.indirect {
		depth++
		if depth > maxIndirects {
			return sdEntry{}, &Fault{Code: FaultIndirect, Addr: addr}
		}
		sd, err = m.readSD(sd.addr)
		if err != nil {
			return sdEntry{}, &Fault{Code: FaultMissMem, Addr: sd.addr}
		}
	}

	*line = sdcEntry{valid: true, sd: sd, vtag: vtag}
	return sd, nil
}

// readSD decodes one 8-byte segment descriptor from physical memory.
func (m *MMU) readSD(addr uint32) (sdEntry, error) {
	lo, ok1 := memory.GetWord(addr)
	hi, ok2 := memory.GetWord(addr + 4)
	if !ok1 || !ok2 {
		return sdEntry{}, &Fault{Code: FaultMissMem, Addr: addr}
	}
	return sdEntry{
		present:   lo&0x1 != 0,
		modified:  lo&0x2 != 0,
		contig:    lo&0x4 != 0,
		valid:     lo&0x40 != 0,
		indirect:  lo&0x80 != 0,
		maxOffset: (lo >> 18) & 0x3f,
		acc:       uint8((lo >> 24) & 0xff),
		addr:      hi &^ 0x7,
	}, nil
}

// lookupPD returns the PDC slot index holding va's page descriptor
// within sd's page table, consulting and filling the PDC first.
func (m *MMU) lookupPD(sidv uint32, sd sdEntry, va uint32, cm uint8, acc D.AccessType) (int, error) {
	ctx := m.context[sidv]
	vtag := va &^ (m.pageSize.bytes() - 1)

	for i := range m.pdc {
		e := &m.pdc[i]
		if !e.valid || e.vtag != vtag {
			continue
		}
		if m.gen == Gen2 && !e.global && e.context != ctx {
			continue
		}
		m.PDCHits++
		metrics.MMUCacheEvents.WithLabelValues("pdc", "hit").Inc()
		m.pdcMRU = i
		return i, nil
	}
	m.PDCMiss++
	metrics.MMUCacheEvents.WithLabelValues("pdc", "miss").Inc()

	pslv := m.psl(va)
	if pslv > sd.maxOffset {
		return 0, m.fault(FaultPDTLen, acc, cm, va)
	}
	addr := sd.addr + pslv*4
	word, ok := memory.GetWord(addr)
	if !ok {
		return 0, m.fault(FaultPDTNotPres, acc, cm, va)
	}
	pd := pdEntry{
		present:    word&0x1 != 0,
		modified:   word&0x2 != 0,
		writable:   word&0x10 != 0,
		referenced: word&0x20 != 0,
		acc:        sd.acc,
		physAddr:   word &^ (m.pageSize.bytes() - 1),
		descAddr:   addr,
	}

	slot := m.pdcSlot(vtag)
	m.pdc[slot] = pdcEntry{valid: true, vtag: vtag, context: ctx, pd: pd}
	m.pdcMRU = slot
	return slot, nil
}

// pdcSlot picks a line to fill: direct-mapped on gen1, round-robin over
// the fully-associative array on gen2 (the real hardware uses a
// replacement algorithm firmware never has to reason about, so any
// eviction policy is behaviorally equivalent).
var gen2RoundRobin int

func (m *MMU) pdcSlot(vtag uint32) int {
	if m.gen == Gen1 {
		return int((vtag >> 11) % uint32(len(m.pdc)))
	}
	slot := gen2RoundRobin % len(m.pdc)
	gen2RoundRobin++
	return slot
}

// FlushSDC invalidates the entire segment descriptor cache, as firmware
// does after rewriting a segment table.
func (m *MMU) FlushSDC() {
	for i := range m.sdc {
		m.sdc[i] = sdcEntry{}
	}
}

// FlushPDC invalidates the entire page descriptor cache.
func (m *MMU) FlushPDC() {
	for i := range m.pdc {
		m.pdc[i] = pdcEntry{}
	}
	m.pdcMRU = -1
}

// FlushPage invalidates any PDC entry mapping va's page, used after a
// single page table entry is rewritten. The most-recently-used entry
// is left intact even if it matches, matching the real cache's partial
// flush behavior.
func (m *MMU) FlushPage(va uint32) {
	vtag := va &^ (m.pageSize.bytes() - 1)
	for i := range m.pdc {
		if i == m.pdcMRU {
			continue
		}
		if m.pdc[i].valid && m.pdc[i].vtag == vtag {
			m.pdc[i] = pdcEntry{}
		}
	}
}
