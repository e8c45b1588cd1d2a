package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chainp2p/config"
	"chainp2p/crypto"
	"chainp2p/p2p"
)

func TestLoadIdentityFromKeyFile(t *testing.T) {
	cfg := config.Default()
	cfg.NodeKeyPath = filepath.Join(t.TempDir(), "node.key")

	first, err := loadIdentity(cfg, nil)
	require.NoError(t, err)
	second, err := loadIdentity(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, first.NodeID, second.NodeID)
}

func TestLoadIdentityFromKeystore(t *testing.T) {
	cfg := config.Default()
	cfg.NodeKeystorePath = filepath.Join(t.TempDir(), "node.keystore")
	cfg.NodeKeystorePassEnv = "NODE_PASS"
	pass := func() (string, error) { return "correct horse", nil }

	first, err := loadIdentity(cfg, pass)
	require.NoError(t, err)
	second, err := loadIdentity(cfg, pass)
	require.NoError(t, err)
	require.Equal(t, first.NodeID, second.NodeID)

	_, err = loadIdentity(cfg, func() (string, error) { return "wrong", nil })
	require.ErrorIs(t, err, crypto.ErrKeystorePassphrase)

	failing := errors.New("no passphrase")
	_, err = loadIdentity(cfg, func() (string, error) { return "", failing })
	require.ErrorIs(t, err, failing)
}

func TestOpenPeerstoreBackends(t *testing.T) {
	for _, backend := range []string{config.PeerstoreLevelDB, config.PeerstoreBolt} {
		cfg := config.Default()
		cfg.DataDir = t.TempDir()
		cfg.PeerstoreBackend = backend

		store, err := openPeerstore(cfg)
		require.NoError(t, err, backend)
		require.NoError(t, store.Put(p2p.PeerstoreEntry{Addr: "10.0.0.1:7400", NodeID: "node-a"}))
		require.NoError(t, store.Close())

		store, err = openPeerstore(cfg)
		require.NoError(t, err, backend)
		entries, err := store.Load()
		require.NoError(t, err)
		require.Len(t, entries, 1, backend)
		require.Equal(t, "node-a", entries[0].NodeID)
		require.NoError(t, store.Close())
	}

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.PeerstoreBackend = "badger"
	_, err := openPeerstore(cfg)
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	peers := 0
	handler := newHTTPHandler(func() healthReport {
		return healthReport{Network: "devnet", NodeID: "node", Height: 9, Peers: peers}
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	peers = 3
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report healthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	require.Equal(t, healthReport{Status: "ok", Network: "devnet", NodeID: "node", Height: 9, Peers: 3}, report)
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newHTTPHandler(func() healthReport { return healthReport{} })
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
