// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/okhsunrog/km003c-go/pkg/km003c"
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Log raw incoming frames",
	Long: `Read frames from the transport and print each one with a timestamp,
a parsed header summary and a hex dump. No commands are sent; this is a
passive research tool for watching what the device (or a bridge) emits.

Press Ctrl+C to exit.`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	tr, info, err := OpenTransport()
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Printf("km003c - raw frame log\n")
	fmt.Printf("Connection: %s\n", info)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	buf := make([]byte, 2048)
	for {
		select {
		case <-interrupt:
			return nil
		default:
		}

		n, err := tr.ReadSome(buf, 500*time.Millisecond)
		if err != nil {
			if errors.Is(err, km003c.ErrTimeout) {
				continue
			}
			return err
		}
		printFrame(buf[:n])
	}
}

func printFrame(raw []byte) {
	now := time.Now().Format("15:04:05.000")
	frame, err := km003c.ParseFrame(raw)
	if err != nil {
		fmt.Printf("[%s] %3d bytes (unparseable: %v)\n", now, len(raw), err)
		hexDump(raw)
		return
	}

	fmt.Printf("[%s] %3d bytes  type=%-11s id=%-3d", now, len(raw), frame.Type(), frame.ID())
	if frame.IsCtrl {
		fmt.Printf(" attr=0x%04X", uint16(frame.Ctrl.Attribute))
	} else {
		fmt.Printf(" words=%d", frame.Data.ObjCountWords)
	}
	fmt.Println()

	if frame.Type() == km003c.TypePutData && len(frame.Payload) > 0 {
		if chain, err := km003c.WalkChain(frame.Payload); err == nil {
			for _, logical := range chain {
				fmt.Printf("           └ %s\n", logical.Attribute())
			}
		}
	}
	hexDump(raw)
}

func hexDump(data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("    %04x  % 02x\n", off, data[off:end])
	}
}
