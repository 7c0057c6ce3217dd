/*
we32200 CIO card and interrupt fabric interfaces

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
package device

// Device is the contract an intelligent I/O card (e.g. the NI ethernet
// board) exposes to the CPU through the CIO protocol. The card itself is
// an external collaborator; only the queue discipline it must honor lives
// here.
type Device interface {
	Sysgen(block SysgenBlock) error // Handle a sysgen control word write.
	Shutdown()                      // Release any resources held by the card.
	Debug(opt string) error         // Enable a debug option on the card.
}

// SysgenBlock mirrors the 12-byte sysgen block the CPU writes to a card's
// address window before it can accept jobs.
type SysgenBlock struct {
	ReqQueuePtr  uint32 // Physical address of first request queue.
	CompQueuePtr uint32 // Physical address of completion queue.
	QueueSize    uint16 // Size in bytes of each request queue.
	IntrVector   uint8  // Vector delivered to the CPU on completion.
	NumQueues    uint8  // Number of request queues sysgen'd.
}

// Job is one 12-byte CIO queue entry exchanged between the CPU and a card.
type Job struct {
	ByteCount uint16 // Byte count (subdevice's shift-by-8 convention applies).
	SubDevice uint8  // Subdevice + cmd/stat + sequence bit.
	Opcode    uint8  // Card-defined opcode.
	Address   uint32 // Buffer or parameter address.
	AppData   uint32 // Application-defined data.
}

// NoDev marks the absence of a device/vector in a slot table.
const NoDev uint16 = 0xffff

// AccessType is the access-request tag carried on every virtual memory
// access. The MMU uses these to select permission bits; the interpreter
// never accesses memory without attaching one. Values match the r_acc
// access-request codes the MMU fault register packs into its low bits,
// not a dense enumeration -- several codes are reserved/unused by this
// CPU generation.
type AccessType uint8

const (
	AccessMoveTranslated          AccessType = 0  // MOVBLW-style block move translate.
	AccessCoprocessorWrite        AccessType = 1  // Support processor (MAU) write.
	AccessCoprocessorFetch        AccessType = 3  // Support processor (MAU) fetch.
	AccessInterlockedRead         AccessType = 7  // Interlocked (RMW) read.
	AccessAddressFetch            AccessType = 8  // Fetch of an address operand.
	AccessOperandFetch            AccessType = 9  // Fetch of a data operand.
	AccessWrite                   AccessType = 10 // Data operand write.
	AccessInstrFetchDiscontinuity AccessType = 12 // Fetch after a branch/call.
	AccessInstrFetch              AccessType = 13 // Sequential instruction fetch.
)

// Interrupt priority levels used by the interrupt fabric. Lower-numbered
// IPLs are reserved for lower urgency; the clock owns the top of the range.
const (
	IPLNone       uint8 = 0
	IPLPIR8       uint8 = 8
	IPLPIR9       uint8 = 9
	IPLIDIOFetch  uint8 = 11
	IPLIUDMA      uint8 = 13
	IPLClock      uint8 = 15
	IPLBusTimeout uint8 = 15
)

// IRQSource identifies an interrupt source for the CPU's pending-interrupt
// scan. CIO cards negotiate their own IPL/vector at sysgen time and are
// represented generically as SourceCIO.
type IRQSource int

const (
	SourceNone IRQSource = iota
	SourceClock
	SourceBusTimeout
	SourceSanityWatchdog
	SourceParity
	SourceDMA
	SourceUART
	SourceCIO
	SourceProgrammed
)

// Pending describes one outstanding interrupt request as seen by the CPU's
// scan over the interrupt fabric.
type Pending struct {
	Source IRQSource
	IPL    uint8
	Vector uint8
}
