/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig("/does/not/exist")
	require.Error(t, err)
}

func TestReadConfigDefaults(t *testing.T) {
	f, err := os.CreateTemp("", "slviewer")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	cfg, err := ReadConfig(f.Name())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestReadConfigOverlay(t *testing.T) {
	f, err := os.CreateTemp("", "slviewer")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString("monitoring_port: 9000\nlogin_uri: https://login.example.com/cgi-bin/login.cgi\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := ReadConfig(f.Name())
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.MonitoringPort)
	require.Equal(t, "https://login.example.com/cgi-bin/login.cgi", cfg.LoginURI)
	require.Equal(t, 5, cfg.Circuit.MaxAttempts)
}

func TestValidateRequiresLoginURI(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
	cfg.LoginURI = "https://login.example.com/cgi-bin/login.cgi"
	require.NoError(t, cfg.Validate())
}

func TestPrepareConfigAppliesSetFlagsOnly(t *testing.T) {
	cfg, err := PrepareConfig("", "https://login.example.com/cgi-bin/login.cgi", "Jane", "Doe", 9100, 10, map[string]bool{
		"login-uri":       true,
		"first-name":      true,
		"last-name":       true,
		"monitoring-port": true,
		"dscp":            true,
	})
	require.NoError(t, err)
	require.Equal(t, "https://login.example.com/cgi-bin/login.cgi", cfg.LoginURI)
	require.Equal(t, "Jane", cfg.FirstName)
	require.Equal(t, "Doe", cfg.LastName)
	require.Equal(t, 9100, cfg.MonitoringPort)
	require.Equal(t, 10, cfg.Circuit.DSCP)
}

func TestPrepareConfigIgnoresUnsetFlags(t *testing.T) {
	_, err := PrepareConfig("", "", "", "", 0, 0, map[string]bool{})
	require.Error(t, err) // login_uri still unset
}
