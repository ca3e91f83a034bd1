package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/chain"
	"gasguard/internal/config"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("first"), 0o644))
	_, err := chain.New(dir, nil, nil, nil).Append(map[string]string{"combined_image": file}, map[string]any{"person": "kim"})
	require.NoError(t, err)

	out, err := runRoot(t, "verify", "--chain-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	require.NoError(t, os.WriteFile(file, []byte("tampered"), 0o644))
	out, err = runRoot(t, "verify", "--chain-dir", dir)
	require.ErrorIs(t, err, errChainBroken)
	assert.Contains(t, out, string(chain.BreakFileMismatch))
}

func TestVerifyCommandReadsConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gasguard.ini")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[ENV]\ndata_dir = "+dir+"\n"), 0o644))

	out, err := runRoot(t, "verify", "--chain-dir", "", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"records": 0`)
}

func TestListenChanged(t *testing.T) {
	a := config.DefaultConfig().Listen
	b := config.DefaultConfig().Listen
	assert.False(t, listenChanged(a, b))
	b.KafkaBrokers = []string{"k1:9092"}
	assert.True(t, listenChanged(a, b))
}

func TestChildLauncherDefaultsToServe(t *testing.T) {
	launch, err := childLauncher(nil)
	require.NoError(t, err)
	assert.NotNil(t, launch)
}
