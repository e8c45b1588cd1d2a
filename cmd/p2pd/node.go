package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chainp2p/config"
	"chainp2p/crypto"
	"chainp2p/p2p"
)

// loadIdentity prefers the encrypted keystore and falls back to the plain
// hex key file.
func loadIdentity(cfg *config.Config, passphrase func() (string, error)) (*p2p.Identity, error) {
	path := strings.TrimSpace(cfg.NodeKeystorePath)
	if path == "" {
		return p2p.LoadOrCreateIdentity(cfg.NodeKeyPath)
	}
	if passphrase == nil {
		return nil, errors.New("keystore passphrase source required")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadOrCreateKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	return p2p.NewIdentity(key)
}

type peerstoreCloser interface {
	p2p.PeerRecordStore
	io.Closer
}

// openPeerstore opens the Peer Book backend named by PeerstoreBackend.
func openPeerstore(cfg *config.Config) (peerstoreCloser, error) {
	switch cfg.PeerstoreBackend {
	case config.PeerstoreBolt:
		store, err := p2p.NewBoltPeerstore(cfg.PeerstorePath())
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.PeerstoreLevelDB, "":
		store, err := p2p.NewPeerstore(cfg.PeerstorePath())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown peerstore backend %q", cfg.PeerstoreBackend)
	}
}

type healthReport struct {
	Status  string `json:"status"`
	Network string `json:"network"`
	NodeID  string `json:"nodeId"`
	Height  uint32 `json:"height"`
	Peers   int    `json:"peers"`
}

func networkStatus(name string, network *p2p.Network) func() healthReport {
	return func() healthReport {
		return healthReport{
			Network: name,
			NodeID:  network.Identity().NodeID,
			Height:  network.Sync().LocalHeight(),
			Peers:   len(network.PeerBook().Connected()),
		}
	}
}

func newHTTPHandler(status func() healthReport) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := status()
		code := http.StatusOK
		report.Status = "ok"
		if report.Peers == 0 {
			report.Status = "isolated"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
	return otelhttp.NewHandler(r, "p2pd.http")
}
