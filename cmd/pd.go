// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/okhsunrog/km003c-go/pkg/km003c"
	"github.com/okhsunrog/km003c-go/pkg/pdwire"
)

var (
	pdInterval time.Duration
	pdOnce     bool
	pdRawAux   bool
)

var pdCmd = &cobra.Command{
	Use:   "pd",
	Short: "Capture USB-PD traffic",
	Long: `Enable the device's PD sniffer and print decoded PD events:
connection changes, wrapped PD messages (Source_Capabilities, Request,
PS_RDY, ...) and periodic status snapshots.

Runs until interrupted unless --once is given.

Examples:
  km003c pd
  km003c pd --interval 100ms
  km003c pd --once`,
	RunE: runPd,
}

func init() {
	rootCmd.AddCommand(pdCmd)
	pdCmd.Flags().DurationVar(&pdInterval, "interval", 200*time.Millisecond, "Poll interval")
	pdCmd.Flags().BoolVar(&pdOnce, "once", false, "Poll a single time and exit")
	pdCmd.Flags().BoolVar(&pdRawAux, "raw-aux", false, "Print the opaque auxiliary bytes of wrapped messages")
}

func runPd(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Disconnect()

	if err := dev.EnablePdMonitor(); err != nil {
		logger.Warn().Err(err).Msg("could not enable PD monitor, continuing anyway")
	} else {
		defer dev.DisablePdMonitor()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	for {
		stream, err := dev.RequestPdEvents()
		if err != nil {
			return err
		}
		for _, event := range stream.Events {
			printPdEvent(event)
		}

		if pdOnce {
			return nil
		}
		select {
		case <-interrupt:
			return nil
		case <-time.After(pdInterval):
		}
	}
}

func printPdEvent(event km003c.PdEvent) {
	switch e := event.(type) {
	case *km003c.ConnectionEvent:
		fmt.Printf("[%8d] %s\n", e.Timestamp, e)
	case *km003c.PdWrapped:
		dir := "snk→src"
		if e.SrcToSnk {
			dir = "src→snk"
		}
		msg, err := pdwire.Decode(e.Wire)
		if err != nil {
			fmt.Printf("[%8d] PD %s (undecodable: %v) % 02X\n", e.Timestamp, dir, err, e.Wire)
			return
		}
		fmt.Printf("[%8d] PD %s %s\n", e.Timestamp, dir, msg)
		if pdRawAux {
			fmt.Printf("           aux % 02X\n", e.Aux)
		}
	case *km003c.StatusEvent:
		fmt.Printf("[%8d] status vbus=%.3fV ibus=%.3fA cc1=%.3fV cc2=%.3fV\n",
			e.Timestamp,
			float64(e.VbusRaw)/10_000.0, float64(e.IbusRaw)/10_000.0,
			float64(e.Cc1Raw)/10_000.0, float64(e.Cc2Raw)/10_000.0)
	case *km003c.UnknownEvent:
		fmt.Printf("[%8d] unknown flags=%v % 02X\n", e.Timestamp, e.Flags, e.Bytes)
	}
}
