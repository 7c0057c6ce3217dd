/*
 * we32200 - Main process.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	config "github.com/kcoleman/we32200/config/configparser"
	machine "github.com/kcoleman/we32200/config/machineconfig"
	core "github.com/kcoleman/we32200/emu/core"
	master "github.com/kcoleman/we32200/emu/master"
	"github.com/kcoleman/we32200/emu/memory"
	logger "github.com/kcoleman/we32200/util/logger"

	_ "github.com/kcoleman/we32200/util/debug"
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "we32200.cfg", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optMetrics := getopt.StringLong("metrics", 'm', "", "Prometheus metrics listen address, e.g. :9110")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if optLogFile != nil && *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	debug := false
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debug))
	slog.SetDefault(Logger)

	Logger.Info("we32200 simulator started")
	if optConfig == nil {
		Logger.Error("Please specify a configuration file")
		os.Exit(0)
	}

	_, err := os.Stat(*optConfig)
	if os.IsNotExist(err) {
		Logger.Error("Configuration file " + *optConfig + " can't be found")
		os.Exit(0)
	}

	err = config.LoadConfigFile(*optConfig)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(0)
	}

	memory.SetSize(machine.Current.MemBytes)

	masterChannel := make(chan master.Packet)
	sim := core.NewCPU(masterChannel, machine.Current.Gen, machine.Current.PageSize)
	sim.SetIPLDevice(machine.Current.IPLDevice)

	if optMetrics != nil && *optMetrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*optMetrics, mux); err != nil {
				Logger.Error("metrics listener failed: " + err.Error())
			}
		}()
	}

	// Start main emulator.
	go sim.Start()
	masterChannel <- master.Packet{Msg: master.IPLdevice, DevNum: sim.IPLDevice()}

	// Wait for a SIGINT or SIGTERM signal to gracefully shut down the server
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	msg := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		// Receive commands from stdin
		for {
			input, _ := reader.ReadString('\n')
			msg <- input
		}
	}()

loop:
	for {
		select {
		case <-sigChan:
			fmt.Println("Got quit signal")
			break loop
		case <-msg:
			fmt.Printf("IPL device: %03x\n", sim.IPLDevice())
			masterChannel <- master.Packet{DevNum: sim.IPLDevice(), Msg: master.IPLdevice}
		}
	}

	Logger.Info("Shutting down CPU")
	sim.Stop()
	Logger.Info("Simulator stopped.")
}
