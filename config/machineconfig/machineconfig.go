/*
   we32200 machine configuration options.

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

// Package machineconfig registers the MMU/MEMORY/IPL/CIO configuration
// keywords the boot-time config file uses to describe a particular 3B2
// model, following the same RegisterOption/RegisterModel pattern the
// debug subsystem uses. Parsed values land in the package-level Current
// struct; main.go reads it after LoadConfigFile to build the core
// driver.
package machineconfig

import (
	"errors"
	"strconv"
	"strings"

	config "github.com/kcoleman/we32200/config/configparser"
	D "github.com/kcoleman/we32200/emu/device"
	"github.com/kcoleman/we32200/emu/mmu"
)

// Config holds every machine-wide option the boot config file can set.
type Config struct {
	Gen       mmu.Generation
	PageSize  mmu.PageSize
	MemBytes  int
	IPLDevice uint16
	IPLVector uint8
	CIOSlots  map[uint16]uint8 // slot -> sysgen interrupt vector
}

// Current is the machine configuration accumulated while the config
// file loads. It starts at the gen1/3B2-400 defaults.
var Current = Config{
	Gen:      mmu.Gen1,
	PageSize: mmu.PageSize2K,
	MemBytes: 4 * 1024 * 1024,
	CIOSlots: map[uint16]uint8{},
}

func init() {
	config.RegisterOption("MMU", setMMU)
	config.RegisterOption("MEMORY", setMemory)
	config.RegisterOption("PAGESIZE", setPageSize)
	config.RegisterModel("IPL", config.TypeOptions, setIPL)
	config.RegisterModel("CIOSLOT", config.TypeOptions, setCIOSlot)
}

func setMMU(_ uint16, value string, _ []config.Option) error {
	switch strings.ToUpper(value) {
	case "GEN1":
		Current.Gen = mmu.Gen1
	case "GEN2":
		Current.Gen = mmu.Gen2
	default:
		return errors.New("MMU must be GEN1 or GEN2: " + value)
	}
	return nil
}

func setMemory(_ uint16, value string, _ []config.Option) error {
	mult := 1
	v := strings.ToUpper(value)
	switch {
	case strings.HasSuffix(v, "M"):
		mult = 1024 * 1024
		v = v[:len(v)-1]
	case strings.HasSuffix(v, "K"):
		mult = 1024
		v = v[:len(v)-1]
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.New("MEMORY requires a size: " + value)
	}
	Current.MemBytes = n * mult
	return nil
}

func setPageSize(_ uint16, value string, _ []config.Option) error {
	switch value {
	case "2048", "2K", "2k":
		Current.PageSize = mmu.PageSize2K
	case "4096", "4K", "4k":
		Current.PageSize = mmu.PageSize4K
	case "8192", "8K", "8k":
		Current.PageSize = mmu.PageSize8K
	default:
		return errors.New("PAGESIZE must be 2K, 4K or 8K: " + value)
	}
	return nil
}

// setIPL parses "IPL <devnum> VECTOR=<n>".
func setIPL(devNum uint16, _ string, options []config.Option) error {
	if devNum == D.NoDev {
		return errors.New("IPL requires a device number")
	}
	Current.IPLDevice = devNum
	for _, opt := range options {
		if strings.ToUpper(opt.Name) == "VECTOR" && opt.EqualOpt != "" {
			v, err := strconv.ParseUint(opt.EqualOpt, 0, 8)
			if err != nil {
				return errors.New("IPL VECTOR must be numeric: " + opt.EqualOpt)
			}
			Current.IPLVector = uint8(v)
		}
	}
	return nil
}

// setCIOSlot parses "CIOSLOT <slotnum> VECTOR=<n>", assigning a sysgen
// interrupt vector to a card slot ahead of time.
func setCIOSlot(devNum uint16, _ string, options []config.Option) error {
	if devNum == D.NoDev {
		return errors.New("CIOSLOT requires a slot number")
	}
	vector := uint8(0)
	for _, opt := range options {
		if strings.ToUpper(opt.Name) == "VECTOR" && opt.EqualOpt != "" {
			v, err := strconv.ParseUint(opt.EqualOpt, 0, 8)
			if err != nil {
				return errors.New("CIOSLOT VECTOR must be numeric: " + opt.EqualOpt)
			}
			vector = uint8(v)
		}
	}
	Current.CIOSlots[devNum] = vector
	return nil
}
