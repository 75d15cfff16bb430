package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japinder12/snapvault/pkg/envelope"
	"github.com/japinder12/snapvault/pkg/snapshot"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token")
	require.NoError(t, err)

	fields := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, ": ")
		require.True(t, ok, line)
		fields[k] = v
	}
	assert.True(t, envelope.VerifyHash(fields["token"], fields["admin-token-hash"], fields["admin-token-salt"]))
}

func TestCreateListDownload(t *testing.T) {
	t.Setenv("SNAPVAULT_PASSWORD", "cli-test-password")
	dir := t.TempDir()
	common := []string{
		"--database", filepath.Join(dir, "inventory.db"),
		"--backup-dir", filepath.Join(dir, "backups"),
		"--log-level", "error",
	}

	out, err := run(t, append([]string{"create", "-d", "from cli"}, common...)...)
	require.NoError(t, err)
	var meta snapshot.Metadata
	require.NoError(t, json.Unmarshal([]byte(out), &meta))
	assert.Equal(t, "from cli", meta.Description)
	assert.Len(t, meta.Tables, len(snapshot.InventoryTables))

	out, err = run(t, append([]string{"list"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, meta.ID)

	target := filepath.Join(dir, "plain.json")
	_, err = run(t, append([]string{"download", meta.ID, "--plain", "-o", target}, common...)...)
	require.NoError(t, err)
	body, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, snapshot.Checksum(body))

	out, err = run(t, append([]string{"restore", meta.ID, "--dry-run"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run completed successfully")

	_, err = run(t, append([]string{"delete", meta.ID}, common...)...)
	require.NoError(t, err)
	_, err = run(t, append([]string{"download", meta.ID, "-o", "-"}, common...)...)
	assert.Error(t, err)
}

func TestServeRequiresToken(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "serve",
		"--database", filepath.Join(dir, "inventory.db"),
		"--backup-dir", filepath.Join(dir, "backups"),
		"--log-level", "error",
	)
	assert.Error(t, err)
}
