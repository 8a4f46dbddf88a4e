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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndFileValues(t *testing.T) {
	path := writeConfigFile(t, "sid: aabbccddeeff\nstore_server: 127.0.0.1:4110\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "aabbccddeeff", cfg.SID)
	assert.Equal(t, 255, cfg.MTU) // default
	assert.Equal(t, "127.0.0.1:4110", cfg.StoreServer)

	sid, err := cfg.SIDPrefix()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, sid)
}

func TestLoadMissingFileFallsBackToFlagsAndDefaults(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "meshbardd"}
	BindFlags(cmd, v)
	require.NoError(t, cmd.Flags().Set("sid", "010203040506"))
	require.NoError(t, cmd.Flags().Set("store-server", "store:4110"))

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), v)
	require.NoError(t, err)

	assert.Equal(t, "010203040506", cfg.SID)
	assert.Equal(t, "store:4110", cfg.StoreServer)
	assert.Equal(t, 255, cfg.MTU)
}

func TestFlagOverridesFileValue(t *testing.T) {
	path := writeConfigFile(t, "sid: aabbccddeeff\nstore_server: file-store:4110\nmtu: 200\n")

	v := viper.New()
	cmd := &cobra.Command{Use: "meshbardd"}
	BindFlags(cmd, v)
	require.NoError(t, cmd.Flags().Set("store-server", "flag-store:4110"))

	cfg, err := Load(path, v)
	require.NoError(t, err)

	assert.Equal(t, "flag-store:4110", cfg.StoreServer, "an explicitly set flag must win over the file value")
	assert.Equal(t, 200, cfg.MTU, "an unset flag must not clobber the file value")
}

func TestValidateRejectsOutOfRangeMaxRecentSenders(t *testing.T) {
	cfg := Config{MTU: 255, MaxRecentSenders: 4, MaxPartials: 1, StoreServer: "x:1"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsSmallMTU(t *testing.T) {
	cfg := Config{MTU: 10, MaxRecentSenders: 16, MaxPartials: 1, StoreServer: "x:1"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresStoreServerUnlessLegacy(t *testing.T) {
	cfg := Config{MTU: 255, MaxRecentSenders: 16, MaxPartials: 1}
	assert.Error(t, cfg.Validate())

	cfg.LegacyStore = true
	assert.NoError(t, cfg.Validate())
}

func TestSIDPrefixRejectsWrongLength(t *testing.T) {
	cfg := Config{SID: "aabb"}
	_, err := cfg.SIDPrefix()
	assert.Error(t, err)
}
