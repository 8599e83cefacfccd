package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/chatline/pkg/datastore"
)

func runCapture(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRunRejectsMalformedArguments(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chat.db")
	cases := map[string][]string{
		"no port":           {"-db", db},
		"too many args":     {"8080", db, "extra"},
		"port not numeric":  {"http", db},
		"port out of range": {"70000", db},
		"unknown flag":      {"-nope", "8080"},
		"bad backend":       {"-backend", "postgres", "8080", db},
		"bad log format":    {"-log-format", "xml", "8080", db},
		"bad export pair":   {"-db", db, "-export-history", "alice"},
		"missing config":    {"-config", filepath.Join(t.TempDir(), "none.yaml"), "8080"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, _ := runCapture(args...)
			require.Equal(t, exitConfig, code)
		})
	}
}

func TestRunHelpExitsZero(t *testing.T) {
	code, _, stderr := runCapture("-h")
	require.Equal(t, exitOK, code)
	require.Contains(t, stderr, "usage: server")
}

func TestRunPrintsVersion(t *testing.T) {
	code, stdout, _ := runCapture("-version")
	require.Equal(t, exitOK, code)
	require.Equal(t, "server dev\n", stdout)
}

func TestRunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	code, _, _ := runCapture("-log-level", "error", port, filepath.Join(t.TempDir(), "chat.db"))
	require.Equal(t, exitRuntime, code)
}

func TestRunPersistenceOpenFailure(t *testing.T) {
	db := filepath.Join(t.TempDir(), "missing", "dir", "chat.db")
	code, _, _ := runCapture("-log-level", "error", "0", db)
	require.Equal(t, exitRuntime, code)
}

func TestRunExportHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chat.db")
	gw, err := datastore.Open(datastore.BackendSQLite, db)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = gw.Append(ctx, "alice", "bob", "hi bob")
	require.NoError(t, err)
	_, err = gw.Append(ctx, "bob", "alice", "hey")
	require.NoError(t, err)
	_, err = gw.Append(ctx, "alice", "carol", "not exported")
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	code, stdout, _ := runCapture("-db", db, "-export-history", "bob,alice")
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "count: 2")
	require.Contains(t, stdout, "hi bob")
	require.Contains(t, stdout, "hey")
	require.NotContains(t, stdout, "not exported")
}
