// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/tribridge/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExampleConfigCommand(t *testing.T) {
	out, err := execute(t, "example-config")
	require.NoError(t, err)
	assert.Equal(t, config.ExampleConfig, out)

	f, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.NotEmpty(t, f.Mappings)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tribridge unknown"), out)
}

func TestRunFlags(t *testing.T) {
	run := newRunCommand()
	for _, name := range []string{"config", "debug", "pretty"} {
		assert.NotNil(t, run.Flags().Lookup(name), name)
	}
	assert.Equal(t, defaultConfigPath, run.Flags().Lookup("config").DefValue)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", false, false)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	log, err = newLogger(&buf, "warn", true, true)
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	_, err = newLogger(&buf, "loud", false, false)
	require.Error(t, err)
}
