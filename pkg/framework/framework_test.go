package framework

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psyche-network/training-indexer/pkg/config"
	"github.com/psyche-network/training-indexer/pkg/router"
	"github.com/stretchr/testify/require"
)

const coordinatorAddress = "4SHugWqSXwKE5fqDchkJcPEqnoZE22VYKtSTVm7axbT7"

// writeIDL writes an IDL declaring the given instructions without accounts
// or arguments, enough for the router checks.
func writeIDL(t *testing.T, dir string, names ...string) string {
	t.Helper()

	type instruction struct {
		Name     string `json:"name"`
		Accounts []any  `json:"accounts"`
		Args     []any  `json:"args"`
	}

	doc := struct {
		Address      string        `json:"address"`
		Instructions []instruction `json:"instructions"`
	}{Address: coordinatorAddress}
	for _, name := range names {
		doc.Instructions = append(doc.Instructions, instruction{Name: name, Accounts: []any{}, Args: []any{}})
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "coordinator.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// rpcServer answers every JSON-RPC call with an empty list and counts the
// signature listings.
func rpcServer(t *testing.T, listings *atomic.Int64) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Method == "getSignaturesForAddress" {
			listings.Add(1)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":[]}`))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func writeConfig(t *testing.T, dir, rpcURL, idlFile string) string {
	t.Helper()

	content := strings.Join([]string{
		`[logger]`,
		`level = "DEBUG"`,
		`console = true`,
		`[rpc]`,
		`url = "` + rpcURL + `"`,
		`[storage]`,
		`backend = "file"`,
		`dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"`,
		`[api]`,
		`enabled = false`,
		`[timeout]`,
		`idle_max_interval_seconds = 1`,
		`[[programs]]`,
		`address = "` + coordinatorAddress + `"`,
		`kind = "run"`,
		`idl_file = "` + filepath.ToSlash(idlFile) + `"`,
	}, "\n")

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()

	var listings atomic.Int64
	srv := rpcServer(t, &listings)

	idlFile := writeIDL(t, dir, router.NewCoordinator().Names()...)
	args := CLIArgs{ConfigFile: writeConfig(t, dir, srv.URL, idlFile)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, runWithArgs(ctx, args))
	require.Positive(t, listings.Load())

	// Nothing was indexed, so nothing had to be saved.
	_, err := os.Stat(filepath.Join(dir, "data", coordinatorAddress+".json"))
	require.True(t, os.IsNotExist(err))
}

func TestNewIndexerRejectsMismatchedIDL(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(dir, "data")
	program := config.Program{
		Address: coordinatorAddress,
		Kind:    "run",
		IDLFile: writeIDL(t, dir, "witness", "join_run"),
	}

	deps, err := newDependencies(&cfg)
	require.NoError(t, err)

	_, err = newIndexer(&cfg, program, deps)
	require.ErrorIs(t, err, router.ErrUnregisteredIx)
}

func TestNewIndexer(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(dir, "data")
	program := config.Program{
		Address: coordinatorAddress,
		Kind:    "run",
		IDLFile: writeIDL(t, dir, router.NewCoordinator().Names()...),
	}

	deps, err := newDependencies(&cfg)
	require.NoError(t, err)

	ix, err := newIndexer(&cfg, program, deps)
	require.NoError(t, err)
	require.Equal(t, coordinatorAddress, ix.Program())
	require.Equal(t, coordinatorAddress, ix.Store().ProgramAddress)
}
