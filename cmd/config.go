// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// fileConfig mirrors the persistent connection flags. Flags given on the
// command line always win over file values.
type fileConfig struct {
	Serial  string `toml:"serial"`
	URL     string `toml:"url"`
	HID     bool   `toml:"hid"`
	Timeout string `toml:"timeout"`
}

// defaultConfigPath returns the conventional config location, or "" when
// the user config dir cannot be determined.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "km003c", "config.toml")
}

// applyConfigFile loads flag defaults from the TOML config. A missing
// default-location file is fine; a missing --config file is an error.
func applyConfigFile(cmd *cobra.Command) error {
	path := configPath
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return nil
		}
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}

	flags := cmd.Root().PersistentFlags()
	if meta.IsDefined("serial") && !flags.Changed("serial") {
		serialPort = raw.Serial
	}
	if meta.IsDefined("url") && !flags.Changed("url") {
		wsURL = raw.URL
	}
	if meta.IsDefined("hid") && !flags.Changed("hid") {
		useHID = raw.HID
	}
	if meta.IsDefined("timeout") && !flags.Changed("timeout") {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parse timeout in %s: %w", path, err)
		}
		requestTimeout = d
	}

	logger.Debug().Str("path", path).Msg("applied config file")
	return nil
}
