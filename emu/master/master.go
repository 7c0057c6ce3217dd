/*
   we32200 Master control channel

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

// Package master carries the small set of asynchronous control messages
// that cross from the outside world (timer goroutine, CIO card goroutines)
// into the single-threaded CPU core loop. There is no console/telnet
// surface in this machine, so the message set is limited to run-state
// control, clock ticks and CIO completion notices.
package master

// Msg identifies what a Packet is carrying.
type Msg int

const (
	Start       Msg = iota // Begin instruction execution.
	Stop                   // Halt instruction execution (WAIT or panic stop).
	TimeClock              // A timer channel (watchdog/system-clock/bus-timeout) fired.
	IPLdevice              // Load from the device named by DevNum.
	CioComplete            // A CIO card posted a completion queue entry.
	BusTimeout             // A bus access exceeded the watchdog deadline.
)

// Packet is the envelope carried on the master channel. Only the fields
// relevant to Msg are populated; callers decide which to read by
// switching on Msg first.
type Packet struct {
	Msg     Msg
	DevNum  uint16 // IPL device number, or CIO card slot for CioComplete.
	Channel int    // Which of the 3 timer channels fired, for TimeClock.
	Data    uint32 // Completion status / job pointer, for CioComplete.
}
