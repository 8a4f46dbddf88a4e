/*
 * meshbard - low-bandwidth bundle synchronisation daemon.
 * Copyright (C) 2026-present the meshbard authors.
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

// Package config loads meshbard's runtime configuration from a YAML
// file (viper) with CLI flags (cobra/pflag) taking precedence over
// file values, the same layering firestige-Otus's internal/config
// package uses for its capture agent.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration for one meshbard node.
type Config struct {
	SID string `mapstructure:"sid"` // hex-encoded 6-byte subscriber identifier prefix

	MTU              int           `mapstructure:"mtu"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	AntiStarvation   time.Duration `mapstructure:"anti_starvation"`
	MaxPartials      int           `mapstructure:"max_partials"`
	MaxRecentSenders int           `mapstructure:"max_recent_senders"`

	StoreServer     string `mapstructure:"store_server"`
	StoreCredential string `mapstructure:"store_credential"`
	LegacyStore     bool   `mapstructure:"legacy_store"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	RadioAddr   string `mapstructure:"radio_addr"`
}

// SIDPrefix decodes the configured SID into its 6-byte wire form.
func (c *Config) SIDPrefix() ([6]byte, error) {
	var out [6]byte
	raw, err := hex.DecodeString(c.SID)
	if err != nil {
		return out, fmt.Errorf("config: sid %q is not hex: %w", c.SID, err)
	}
	if len(raw) != 6 {
		return out, fmt.Errorf("config: sid %q must decode to 6 bytes, got %d", c.SID, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mtu", 255)
	v.SetDefault("tick_interval", "5s")
	v.SetDefault("anti_starvation", "30s")
	v.SetDefault("max_partials", 64)
	v.SetDefault("max_recent_senders", 16)
	v.SetDefault("legacy_store", false)
	v.SetDefault("metrics_addr", ":9110")
	v.SetDefault("radio_addr", "255.255.255.255:4111")
}

// Load reads configuration from path (if non-empty) or
// /etc/meshbard/meshbard.yaml, applying defaults and then letting
// already-bound flags (see BindFlags) override file values, per
// viper's normal precedence.
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("MESHBARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "/etc/meshbard/meshbard.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	// A missing config file is tolerated: flags/env/defaults alone are
	// enough to run against a pre-provisioned SID.

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration values the engine could not run
// with, per the on-the-wire constants in §6 (MAX_RECENT_SENDERS
// bounds) and §4.7 (mtu too small).
func (c *Config) Validate() error {
	if c.MTU < 64 {
		return fmt.Errorf("config: mtu %d is below the minimum usable frame size (64)", c.MTU)
	}
	if c.MaxRecentSenders < 8 || c.MaxRecentSenders > 32 {
		return fmt.Errorf("config: max_recent_senders %d outside [8,32]", c.MaxRecentSenders)
	}
	if c.MaxPartials < 1 {
		return fmt.Errorf("config: max_partials must be at least 1")
	}
	if !c.LegacyStore && c.StoreServer == "" {
		return fmt.Errorf("config: store_server must be set")
	}
	return nil
}

// BindFlags registers meshbard's flags on cmd and binds each one into
// v, so a flag explicitly set on the command line overrides the
// config file (cobra/pflag + viper's BindPFlag, the standard pairing
// used across the example pack's cobra-based commands).
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()

	flags.String("sid", "", "hex-encoded 6-byte subscriber identifier prefix")
	flags.Int("mtu", 255, "advertisement frame MTU in bytes")
	flags.Duration("tick-interval", 5*time.Second, "interval between outbound frames")
	flags.Duration("anti-starvation", 30*time.Second, "max time a bundle goes unannounced before forced priority")
	flags.Int("max-partials", 64, "maximum in-progress partial bundles tracked at once")
	flags.Int("max-recent-senders", 16, "recent-senders ring size per partial bundle (8-32)")
	flags.String("store-server", "", "host:port of the content store")
	flags.String("store-credential", "", "plain-text credential for the content store")
	flags.Bool("legacy-store", false, "use the byte-exact legacy raw-socket store client")
	flags.String("metrics-addr", ":9110", "listen address for the Prometheus /metrics endpoint")
	flags.String("radio-addr", "255.255.255.255:4111", "UDP broadcast address for the reference radio sink/source")

	for _, name := range []string{
		"sid", "mtu", "tick-interval", "anti-starvation", "max-partials",
		"max-recent-senders", "store-server", "store-credential",
		"legacy-store", "metrics-addr", "radio-addr",
	} {
		key := strings.ReplaceAll(name, "-", "_")
		v.BindPFlag(key, flags.Lookup(name))
	}
}
