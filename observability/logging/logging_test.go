package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, closer := Setup("chainp2p", "test", Options{Level: "debug", Output: &buf})
	require.Nil(t, closer)
	logger.Debug("peer connected", MaskField("peer_address", "203.0.113.4:7400"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "peer connected", entry["message"])
	require.Equal(t, "DEBUG", entry["severity"])
	require.Equal(t, "chainp2p", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, RedactedValue, entry["peer_address"])
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in %v", entry)
	}
}

func TestSetupLevelFilters(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, _ := Setup("chainp2p", "", Options{Level: "warn", Output: &buf})
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
	require.NotContains(t, buf.String(), `"env"`)
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "node.log")
	var buf bytes.Buffer
	logger, closer := Setup("chainp2p", "test", Options{File: path, MaxSizeMB: 1, Output: &buf})
	require.NotNil(t, closer)
	logger.Info("to both sinks")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "to both sinks")
	require.Contains(t, buf.String(), "to both sinks")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMaskAddresses(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("seeds", MaskAddresses("addresses", []string{"10.0.0.1:7400", "10.0.0.2:7400"}))
	require.False(t, strings.Contains(buf.String(), "10.0.0.1"))

	var entry struct {
		Addresses struct {
			Count  int    `json:"count"`
			Values string `json:"values"`
		} `json:"addresses"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, 2, entry.Addresses.Count)
	require.Equal(t, RedactedValue, entry.Addresses.Values)
}

func TestAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.Contains(t, keys, "component")
	require.NotContains(t, keys, "peer_address")
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("allowlist not sorted: %v", keys)
		}
	}
}

func TestMaskFieldPolicies(t *testing.T) {
	require.Equal(t, "1200", MaskField("Height", "1200").Value.String())
	require.Equal(t, "outbound", MaskField("direction", "outbound").Value.String())
	for _, key := range []string{"peer_address", "listen_address", "node_id", "seed", "unlisted_key"} {
		require.False(t, IsAllowlisted(key), key)
		require.Equal(t, RedactedValue, MaskField(key, "203.0.113.9:7400").Value.String(), key)
	}
	require.Equal(t, " ", MaskField("node_id", " ").Value.String())
}
