/*
   we32200 3-channel interval timer.

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

// Package timer models the 8253/82C54-style 3-channel interval timer wired
// into every 3B2: channel 0 is the sanity watchdog, channel 1 the 100Hz
// system clock, channel 2 the bus-timeout watchdog. Each channel counts
// down independently and posts a TimeClock packet naming itself when it
// underflows; the core loop logs the packet and raises no CPU interrupt
// for it.
package timer

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kcoleman/we32200/emu/master"
	"github.com/kcoleman/we32200/emu/metrics"
)

const (
	ChanSanity  = 0 // Watchdog: reset if not kicked periodically by firmware.
	ChanClock   = 1 // 100Hz system clock tick delivered to the OS.
	ChanBus     = 2 // Bus-timeout watchdog for stalled memory/CIO access.
	numChannels = 3
)

// tick is how often the host ticker fires; channel 1 (100Hz) fires on
// every tick, channels 0/2 fire on a configurable multiple of it.
const tick = 10 * time.Millisecond

type channel struct {
	divisor uint32 // Number of ticks between underflows; 0 disables channel.
	count   uint32 // Ticks remaining until underflow.
}

type Timer struct {
	wg      sync.WaitGroup
	running bool
	master  chan master.Packet
	enable  chan bool
	reload  chan [numChannels]uint32
	done    chan struct{}
	ticker  *time.Ticker
	chans   [numChannels]channel
}

// NewTimer creates the 3-channel interval timer, posting TimeClock packets
// on masterChannel. All channels start disabled; callers arm them with
// SetDivisor before Start. The core driver arms none of them.
func NewTimer(masterChannel chan master.Packet) *Timer {
	timer := &Timer{
		master: masterChannel,
		enable: make(chan bool, 1),
		reload: make(chan [numChannels]uint32, 1),
		done:   make(chan struct{}),
	}
	timer.wg.Add(1)
	go timer.run()
	return timer
}

// SetDivisor arms a channel with a tick divisor; 0 disables it. Channel 1
// is normally armed with a divisor of 1 to deliver the 100Hz system clock.
func (timer *Timer) SetDivisor(ch int, divisor uint32) {
	cur := [numChannels]uint32{}
	for i := range timer.chans {
		cur[i] = timer.chans[i].divisor
	}
	cur[ch] = divisor
	timer.reload <- cur
}

// Start begins delivering ticks.
func (timer *Timer) Start() {
	timer.enable <- true
}

// Stop suspends tick delivery without losing channel programming.
func (timer *Timer) Stop() {
	timer.enable <- false
}

// Shutdown stops the timer goroutine.
func (timer *Timer) Shutdown() {
	close(timer.done)
	done := make(chan struct{})
	go func() {
		timer.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(time.Second):
		slog.Warn("Timed out waiting for timer to finish.")
		return
	}
}

// run drives all 3 channels off one host ticker and posts a TimeClock
// packet naming the channel whenever its count underflows.
func (timer *Timer) run() {
	defer timer.wg.Done()
	timer.ticker = time.NewTicker(tick)
	defer timer.ticker.Stop()
	timer.running = false

	for {
		select {
		case <-timer.ticker.C:
			if timer.running {
				timer.tickChannels()
			}
		case timer.running = <-timer.enable:
		case cur := <-timer.reload:
			for i := range timer.chans {
				timer.chans[i].divisor = cur[i]
				timer.chans[i].count = cur[i]
			}
		case <-timer.done:
			return
		}
	}
}

func (timer *Timer) tickChannels() {
	for i := range timer.chans {
		c := &timer.chans[i]
		if c.divisor == 0 {
			continue
		}
		if c.count == 0 {
			c.count = c.divisor
		}
		c.count--
		if c.count == 0 {
			metrics.TimerUnderflows.WithLabelValues(strconv.Itoa(i)).Inc()
			timer.master <- master.Packet{Msg: master.TimeClock, Channel: i}
		}
	}
}
