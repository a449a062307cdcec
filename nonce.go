// FILE: nonce.go
// Package main – Persistent monotonic nonce for the trade API.
//
// The exchange invalidates any authenticated request whose nonce is
// not greater than the last one it saw, so the counter must survive
// restarts. State is a single decimal ASCII integer in
// <DATA_DIR>/nonce, read-modify-written on every Get.
//
// Concurrent Gets are already serialized by the Connector's single
// in-flight trade slot; the keeper itself does no locking.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const nonceFileName = "nonce"

type NonceKeeper struct {
	path string
}

// NewNonceKeeper opens (or initializes) the nonce file. A missing file
// starts the counter at 0; an unreadable or non-numeric file is a
// startup-fatal configuration error.
func NewNonceKeeper(dataDir string) (*NonceKeeper, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	k := &NonceKeeper{path: filepath.Join(dataDir, nonceFileName)}
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		log.Info().Str("path", k.path).Msg("nonce file missing, starting at 0")
		if err := k.write(0); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read nonce file: %w", err)
	}
	if _, err := parseNonce(raw); err != nil {
		return nil, fmt.Errorf("nonce file %s: %w", k.path, err)
	}
	return k, nil
}

// Get increments the persisted counter and returns the new value.
func (k *NonceKeeper) Get() (int64, error) {
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return 0, fmt.Errorf("read nonce file: %w", err)
	}
	n, err := parseNonce(raw)
	if err != nil {
		return 0, fmt.Errorf("nonce file %s: %w", k.path, err)
	}
	n++
	if err := k.write(n); err != nil {
		return 0, err
	}
	SetNonceMetric(n)
	return n, nil
}

func (k *NonceKeeper) write(n int64) error {
	if err := os.WriteFile(k.path, []byte(strconv.FormatInt(n, 10)), 0o644); err != nil {
		return fmt.Errorf("write nonce file: %w", err)
	}
	return nil
}

func parseNonce(raw []byte) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt nonce value %q", strings.TrimSpace(string(raw)))
	}
	if n < 0 {
		return 0, fmt.Errorf("negative nonce value %d", n)
	}
	return n, nil
}
