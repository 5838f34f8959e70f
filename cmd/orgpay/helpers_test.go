package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeEmpty(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

func writeYAML(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "orgpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dsn: \"\"\n"), 0o600))
	return path
}
