package main

import (
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersync/internal/config"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestConfigPath_FlagWins(t *testing.T) {
	path, err := configPath([]string{"-config", "/etc/ordersync.yaml"}, mapLookup(map[string]string{
		envConfigPath: "/tmp/other.yaml",
	}))
	require.NoError(t, err)
	require.Equal(t, "/etc/ordersync.yaml", path)
}

func TestConfigPath_FallsBackToEnv(t *testing.T) {
	path, err := configPath(nil, mapLookup(map[string]string{envConfigPath: "/tmp/ordersync.yaml"}))
	require.NoError(t, err)
	require.Equal(t, "/tmp/ordersync.yaml", path)

	path, err = configPath(nil, mapLookup(nil))
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestConfigPath_UnknownFlag(t *testing.T) {
	_, err := configPath([]string{"-nope"}, mapLookup(nil))
	require.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	closer, err := setupLogger(config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	require.Nil(t, closer)
	require.Equal(t, log.DebugLevel, log.GetLevel())

	_, err = setupLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}

func TestSetupLogger_FileRotation(t *testing.T) {
	defer log.SetOutput(log.StandardLogger().Out)
	defer log.SetLevel(log.InfoLevel)

	closer, err := setupLogger(config.LogConfig{
		Level:      "info",
		File:       filepath.Join(t.TempDir(), "ordersync.log"),
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, closer)
	require.NoError(t, closer.Close())
}
