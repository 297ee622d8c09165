// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog
//
// km003c - host-side tool for the ChargerLAB POWER-Z KM003C
// USB-C power analyzer.

package main

import (
	"os"

	"github.com/okhsunrog/km003c-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
