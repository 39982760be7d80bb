package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averonhq/agentupdate/cmd/agentupdate/buildinfo"
	"github.com/averonhq/agentupdate/cmd/agentupdate/updater"
	"github.com/averonhq/agentupdate/config"
)

func TestLoadMachineID(t *testing.T) {
	path := filepath.Join(t.TempDir(), machineIDFileName)

	id, err := loadMachineID(path)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	again, err := loadMachineID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestLoadMachineIDReplacesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), machineIDFileName)
	require.NoError(t, os.WriteFile(path, []byte("not an id"), 0600))

	id, err := loadMachineID(path)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id+"\n", string(data))
}

func TestNewSource(t *testing.T) {
	log := zerolog.Nop()
	bInfo := buildinfo.GetBuildInfo("", "2026.1.0")

	cfg := config.Default()
	source, err := newSource(cfg, bInfo, &log)
	require.NoError(t, err)
	assert.IsType(t, &updater.GitHubSource{}, source)

	cfg.CheckinURL = "https://updates.example.com/check"
	source, err = newSource(cfg, bInfo, &log)
	require.NoError(t, err)
	assert.IsType(t, &updater.CheckinSource{}, source)

	cfg = config.Default()
	cfg.Repository = "https://example.com/not-github"
	_, err = newSource(cfg, bInfo, &log)
	assert.Error(t, err)
}

func TestNewStack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	log := zerolog.Nop()
	bInfo := buildinfo.GetBuildInfo("", "2026.1.0")
	stateDir := filepath.Join(t.TempDir(), "updates")
	target := filepath.Join(t.TempDir(), "agentconnect")

	cfg := config.Default()
	cfg.StateDir = stateDir
	cfg.Telemetry.Endpoint = ts.URL

	s, err := newStack(cfg, bInfo, stackOptions{targetPath: target}, &log)
	require.NoError(t, err)

	assert.Equal(t, stateDir, s.stateDir)
	assert.FileExists(t, filepath.Join(stateDir, machineIDFileName))
	assert.Len(t, s.closers, 1)
	assert.Equal(t, "2026.1.0", s.orchestrator.CurrentVersion())
	assert.True(t, s.orchestrator.IsInstalled())

	families, err := s.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	s.Close()
	assert.Empty(t, s.closers)
}

func TestNewStackHonoursInstalledSetting(t *testing.T) {
	log := zerolog.Nop()
	bInfo := buildinfo.GetBuildInfo("", "2026.1.0")

	installed := false
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Installed = &installed

	s, err := newStack(cfg, bInfo, stackOptions{targetPath: filepath.Join(t.TempDir(), "agentconnect")}, &log)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.orchestrator.IsInstalled())
}
