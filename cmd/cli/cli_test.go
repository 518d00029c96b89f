package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkprobe/bulkprobe/internal/config"
)

func TestCommandsRegistered(t *testing.T) {
	expected := []string{"controller", "worker", "publish", "bulks", "config", "version"}

	registered := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}

	for _, name := range expected {
		assert.True(t, registered[name], "command %q not registered", name)
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-08-25")
	assert.Contains(t, rootCmd.Version, "1.2.3")
	assert.Contains(t, rootCmd.Version, "abc123")
}

func TestScheduledRequestDefaultsNameFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tranco-top1k.txt")
	require.NoError(t, os.WriteFile(path, []byte("example.com\n192.0.2.1\n"), 0o600))

	origFile, origName := controllerTargetsFile, controllerName
	t.Cleanup(func() { controllerTargetsFile, controllerName = origFile, origName })
	controllerTargetsFile = path
	controllerName = ""

	req, err := scheduledRequest()()
	require.NoError(t, err)
	assert.Equal(t, "tranco-top1k", req.Name)
	assert.Len(t, req.Targets, 2)
	assert.Equal(t, "tls", req.ScanConfig.Kind)
}

func TestScheduledRequestMissingTargetsFile(t *testing.T) {
	origFile := controllerTargetsFile
	t.Cleanup(func() { controllerTargetsFile = origFile })
	controllerTargetsFile = filepath.Join(t.TempDir(), "nope.txt")

	_, err := scheduledRequest()()
	assert.Error(t, err)
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, runConfigInit(nil, []string{path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "scan-job-queue", cfg.Bus.JobQueue)
	require.NoError(t, cfg.Validate())
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  url: amqp://x\n"), 0o600))

	origForce := configForce
	t.Cleanup(func() { configForce = origForce })
	configForce = false

	assert.Error(t, runConfigInit(nil, []string{path}))

	configForce = true
	assert.NoError(t, runConfigInit(nil, []string{path}))
}
