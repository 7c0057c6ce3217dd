/*
   we32200 CIO (Common I/O) protocol contract.

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

// Package cio implements the CPU side of the Common I/O protocol: the
// sysgen handshake that binds a card's request/completion queues into
// guest memory, and the circular-queue discipline the CPU and an
// intelligent I/O card use to exchange 12-byte job records. Only the
// CPU-visible half of the contract lives here; card firmware behavior
// (what the NI/SCSI/disk card does with a job once it has it) is out of
// scope, matching the device models this simulator does not carry.
package cio

import (
	"errors"

	D "github.com/kcoleman/we32200/emu/device"
	"github.com/kcoleman/we32200/emu/memory"
)

// MaxCards bounds the CIO card slots the sysgen table can address.
const MaxCards = 12

// jobSize is the fixed width in bytes of one request/completion queue
// entry on the wire, per the CIO queue layout.
const jobSize = 12

var (
	ErrNoCard      = errors.New("cio: no card in slot")
	ErrBadSlot     = errors.New("cio: slot out of range")
	ErrQueueFull   = errors.New("cio: request queue full")
	ErrQueueEmpty  = errors.New("cio: completion queue empty")
	ErrNotSysgend  = errors.New("cio: card not sysgen'd")
	ErrBadQueueNum = errors.New("cio: queue number out of range")
)

// queue is one circular job-record ring living in guest memory at base,
// sized for count entries. head/tail are entry indices from base kept in
// host state -- the real hardware keeps them in the sysgen block itself,
// but nothing in this machine reads them except the CPU and the card we
// are simulating for it, so keeping them host-side is observationally
// identical and avoids re-deriving them from memory on every access.
type queue struct {
	base  uint32
	count uint16
	head  uint16
	tail  uint16
	used  uint16
}

func newQueue(base uint32, sizeBytes uint16) queue {
	n := sizeBytes / jobSize
	if n == 0 {
		n = 1
	}
	return queue{base: base, count: n}
}

func (q *queue) full() bool  { return q.used == q.count }
func (q *queue) empty() bool { return q.used == 0 }

type card struct {
	dev      D.Device
	sysgend  bool
	block    D.SysgenBlock
	reqQ     []queue // one per sysgen'd request queue
	compQ    queue
	irqQueue bool // an IRQ is latched for this card, awaiting acknowledge
}

// Bus is the CIO backplane: a fixed slot table of cards plus the queue
// state sysgen hands out.
type Bus struct {
	cards [MaxCards]card
}

// NewBus returns an empty CIO backplane with no cards attached.
func NewBus() *Bus {
	return &Bus{}
}

// Attach installs dev in slot. Slots start un-sysgen'd; the CPU must
// write a sysgen block before submitting jobs.
func (b *Bus) Attach(slot uint8, dev D.Device) error {
	if int(slot) >= MaxCards {
		return ErrBadSlot
	}
	b.cards[slot] = card{dev: dev}
	return nil
}

// Sysgen binds a card's request/completion queues into guest memory and
// notifies the card so it can initialize itself.
func (b *Bus) Sysgen(slot uint8, block D.SysgenBlock) error {
	if int(slot) >= MaxCards {
		return ErrBadSlot
	}
	c := &b.cards[slot]
	if c.dev == nil {
		return ErrNoCard
	}
	if err := c.dev.Sysgen(block); err != nil {
		return err
	}
	c.block = block
	n := block.NumQueues
	if n == 0 {
		n = 1
	}
	c.reqQ = make([]queue, n)
	perQueue := block.QueueSize
	for i := range c.reqQ {
		c.reqQ[i] = newQueue(block.ReqQueuePtr+uint32(i)*uint32(perQueue), perQueue)
	}
	c.compQ = newQueue(block.CompQueuePtr, block.QueueSize)
	c.sysgend = true
	c.irqQueue = false
	return nil
}

// SubmitJob writes job into request queue qnum for the card in slot,
// returning ErrQueueFull if the card hasn't drained far enough.
func (b *Bus) SubmitJob(slot uint8, qnum uint8, job D.Job) error {
	c, err := b.sysgendCard(slot)
	if err != nil {
		return err
	}
	if int(qnum) >= len(c.reqQ) {
		return ErrBadQueueNum
	}
	q := &c.reqQ[qnum]
	if q.full() {
		return ErrQueueFull
	}
	writeJob(jobAddr(q.base, q.tail), job)
	q.tail = (q.tail + 1) % q.count
	q.used++
	return nil
}

// PostCompletion is called on the card's behalf (i.e. by whatever drives
// the card's simulated firmware) to push a finished job onto its
// completion queue and latch an interrupt for the CPU to discover.
func (b *Bus) PostCompletion(slot uint8, job D.Job) error {
	c, err := b.sysgendCard(slot)
	if err != nil {
		return err
	}
	q := &c.compQ
	if q.full() {
		return ErrQueueFull
	}
	writeJob(jobAddr(q.base, q.tail), job)
	q.tail = (q.tail + 1) % q.count
	q.used++
	c.irqQueue = true
	return nil
}

// TakeCompletion pops the oldest completion entry for slot, if any.
func (b *Bus) TakeCompletion(slot uint8) (D.Job, error) {
	c, err := b.sysgendCard(slot)
	if err != nil {
		return D.Job{}, err
	}
	q := &c.compQ
	if q.empty() {
		return D.Job{}, ErrQueueEmpty
	}
	job := readJob(jobAddr(q.base, q.head))
	q.head = (q.head + 1) % q.count
	q.used--
	if q.empty() {
		c.irqQueue = false
	}
	return job, nil
}

// Pending reports every card with a latched, unacknowledged completion
// interrupt, in slot order, for the CPU's interrupt-fabric scan.
func (b *Bus) Pending() []D.Pending {
	var out []D.Pending
	for i := range b.cards {
		c := &b.cards[i]
		if c.sysgend && c.irqQueue {
			out = append(out, D.Pending{
				Source: D.SourceCIO,
				IPL:    D.IPLIUDMA,
				Vector: c.block.IntrVector,
			})
		}
	}
	return out
}

func (b *Bus) sysgendCard(slot uint8) (*card, error) {
	if int(slot) >= MaxCards {
		return nil, ErrBadSlot
	}
	c := &b.cards[slot]
	if c.dev == nil {
		return nil, ErrNoCard
	}
	if !c.sysgend {
		return nil, ErrNotSysgend
	}
	return c, nil
}

func jobAddr(base uint32, slot uint16) uint32 {
	return base + uint32(slot)*jobSize
}

func writeJob(addr uint32, job D.Job) {
	memory.PutHalf(addr, job.ByteCount)
	memory.PutByte(addr+2, job.SubDevice)
	memory.PutByte(addr+3, job.Opcode)
	memory.PutWord(addr+4, job.Address)
	memory.PutWord(addr+8, job.AppData)
}

func readJob(addr uint32) D.Job {
	bc, _ := memory.GetHalf(addr)
	sub, _ := memory.GetByte(addr + 2)
	op, _ := memory.GetByte(addr + 3)
	a, _ := memory.GetWord(addr + 4)
	d, _ := memory.GetWord(addr + 8)
	return D.Job{ByteCount: bc, SubDevice: sub, Opcode: op, Address: a, AppData: d}
}

// stackerSel marks a completion entry as using the shifted byte-count
// form alongside the card's stacker-selection bit in the low byte. Both
// conventions share that byte, and the original firmware leans on that
// rather than separating them -- we keep that exactly, not smoothed over.
const stackerSel uint16 = 0x01

// EncodeByteCount applies the subdevice shift-by-8 convention some CIO
// cards use on completion queue entries: the byte count moves into the
// high byte, freeing the low byte for the stacker-selection bit. Job
// byte counts on this bus never exceed 255, so the shift never loses
// bits; callers passing a larger count get it truncated, matching what
// the real firmware does when asked to report an oversize transfer this
// way.
func EncodeByteCount(n uint16) uint16 {
	return (n&0xff)<<8 | stackerSel
}

// DecodeByteCount reverses EncodeByteCount.
func DecodeByteCount(v uint16) uint16 {
	if v&0xff == stackerSel {
		return v >> 8
	}
	return v
}
