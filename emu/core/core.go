/*
   Core we32200 emulator loop.

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

package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kcoleman/we32200/emu/cio"
	"github.com/kcoleman/we32200/emu/cpu"
	D "github.com/kcoleman/we32200/emu/device"
	"github.com/kcoleman/we32200/emu/event"
	"github.com/kcoleman/we32200/emu/master"
	"github.com/kcoleman/we32200/emu/mau"
	"github.com/kcoleman/we32200/emu/memory"
	"github.com/kcoleman/we32200/emu/metrics"
	"github.com/kcoleman/we32200/emu/mmu"
	"github.com/kcoleman/we32200/emu/timer"
)

// Fixed physical addresses of the exception/interrupt vector table, set
// up by the boot ROM before the MMU or any guest code runs.
const (
	resetVectorAddr = 0x80 // Reset exception: new PCB pointer, MMU forced off.
	stackVectorAddr = 0x88 // Stack exception: new PCB pointer.
	vectorTableBase = 0x8c // Any other exception class: +4*ISC (see exceptionPCB).
)

type core struct {
	wg      sync.WaitGroup
	done    chan struct{} // Signal to shutdown simulator.
	running bool          // Indicate when simulator should run or not.
	master  chan master.Packet

	cpu   *cpu.CPU
	mmu   *mmu.MMU
	mau   *mau.MAU
	timer *timer.Timer
	bus   *cio.Bus

	iplDev uint16
}

// NewCPU creates the driver that owns one CPU core, its attached MMU
// and MAU, the interval timer, and the CIO bus, wiring them together
// the way the 3B2 system board does.
func NewCPU(masterChannel chan master.Packet, gen mmu.Generation, pageSize mmu.PageSize) *core {
	m := mmu.New(gen, pageSize)
	fpu := mau.New()
	c := cpu.New(m, fpu)
	t := timer.NewTimer(masterChannel)
	bus := cio.NewBus()

	c.PendingScan = func() []D.Pending {
		return bus.Pending()
	}

	return &core{
		master: masterChannel,
		done:   make(chan struct{}),
		cpu:    c,
		mmu:    m,
		mau:    fpu,
		timer:  t,
		bus:    bus,
	}
}

// Bus exposes the CIO bus so configuration code can attach cards before
// Start runs.
func (core *core) Bus() *cio.Bus { return core.bus }

// MMU exposes the MMU so configuration code can establish the boot
// section table before translation is enabled.
func (core *core) MMU() *mmu.MMU { return core.mmu }

// Start CPU running.
func (core *core) Start() {
	core.wg.Add(1)
	defer core.wg.Done()
	core.timer.Start()
	for {
		if core.running {
			idle := core.cpu.Halted() || core.cpu.Waiting()
			if err := core.cpu.Step(); err != nil {
				core.handleFault(err)
			} else if !idle {
				metrics.InstructionsRetired.Inc()
			}
			if p, ok := core.cpu.PollInterrupts(); ok {
				core.cpu.Resume()
				slog.Debug("delivering interrupt", "source", p.Source, "ipl", p.IPL)
				metrics.ExceptionsTotal.WithLabelValues("interrupt").Inc()
			}
			event.Advance(1)
		} else if event.AnyEvent() {
			event.Advance(1)
		}
		select {
		case <-core.done:
			core.timer.Shutdown()
			slog.Info("Shutdown CPU core")
			return
		case packet := <-core.master:
			core.processPacket(packet)
		default:
		}
	}
}

func (core *core) handleFault(err error) {
	exc, ok := err.(*cpu.Exception)
	if !ok {
		slog.Error("unexpected fault", "err", err)
		return
	}
	slog.Debug("cpu exception", "class", exc.Class, "isc", exc.ISC, "addr", exc.Addr)
	metrics.ExceptionsTotal.WithLabelValues(excClassLabel(exc.Class)).Inc()

	// Normal/Process exceptions never switch the PCB -- they resolve
	// their own in-place gate transfer (see cpu.Trap) -- so only
	// Stack/Reset need a vector looked up here before calling Trap.
	var newPCB uint32
	if exc.Class == cpu.ExcStack || exc.Class == cpu.ExcReset {
		pcb, err2 := core.exceptionPCB(exc)
		if err2 != nil {
			slog.Error("failed to resolve exception vector", "err", err2)
			core.running = false
			return
		}
		newPCB = pcb
	}
	if err := core.cpu.Trap(exc, newPCB); err != nil {
		slog.Error("trap failed", "err", err)
		core.running = false
	}
}

func excClassLabel(class uint8) string {
	switch class {
	case cpu.ExcReset:
		return "reset"
	case cpu.ExcProcess:
		return "process"
	case cpu.ExcStack:
		return "stack"
	default:
		return "normal"
	}
}

// exceptionPCB resolves the new PCB pointer for exc from the fixed
// vector table the boot ROM lays down in low physical memory. Reset
// and Stack exceptions each have one dedicated slot; any other class
// reads the word at vectorTableBase+4*ISC. handleFault calls it only
// for Reset and Stack exceptions, because Normal and Process exceptions
// dispatch through the gate table inside cpu.Trap.
func (core *core) exceptionPCB(exc *cpu.Exception) (uint32, error) {
	var addr uint32
	switch exc.Class {
	case cpu.ExcReset:
		core.mmu.Disable()
		addr = resetVectorAddr
	case cpu.ExcStack:
		addr = stackVectorAddr
	default:
		addr = vectorTableBase + uint32(exc.ISC)*4
	}
	pcb, ok := memory.GetWord(addr)
	if !ok {
		return 0, fmt.Errorf("exception vector at %#x unreadable", addr)
	}
	return pcb, nil
}

// Stop a running server.
func (core *core) Stop() {
	close(core.done)
	done := make(chan struct{})
	go func() {
		core.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(time.Second):
		slog.Warn("Timed out waiting for CPU to finish.")
		return
	}
}

// IPLDevice returns the configured IPL line option.
func (core *core) IPLDevice() uint16 {
	return core.iplDev
}

// SetIPLDevice records which device slot should be booted from.
func (core *core) SetIPLDevice(dev uint16) {
	core.iplDev = dev
}

// Process a packet sent to system simulation.
func (core *core) processPacket(packet master.Packet) {
	switch packet.Msg {
	case master.TimeClock:
		slog.Debug("timer tick", "channel", packet.Channel)
	case master.CioComplete:
		slog.Debug("cio completion", "dev", packet.DevNum)
	case master.BusTimeout:
		metrics.ExceptionsTotal.WithLabelValues("bus_timeout").Inc()
	case master.IPLdevice:
		core.running = true
	case master.Start:
		core.running = true
	case master.Stop:
		core.running = false
	}
}
