// FILE: supervisor_test.go
package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func supervisorConfig(t *testing.T, site string) Config {
	t.Helper()
	reg := defaultCurrencies()
	trading, err := parseTrading("btc_usd;ltc_usd", reg, dec("0.002"))
	require.NoError(t, err)
	return Config{
		ExchangeSite:       site,
		APIKey:             "k",
		APISecret:          "s",
		Trading:            trading,
		Currencies:         reg,
		OrderOutdatePeriod: defaultOrderOutdatePeriod,
		DataDir:            t.TempDir(),
	}
}

func TestNewSupervisorWiresTraderPerPair(t *testing.T) {
	sup, err := NewSupervisor(supervisorConfig(t, "http://exchange.invalid"))
	require.NoError(t, err)
	assert.Len(t, sup.traders, 2)
	assert.NotNil(t, sup.connector)
}

func TestNewSupervisorFailsOnCorruptNonce(t *testing.T) {
	cfg := supervisorConfig(t, "http://exchange.invalid")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, nonceFileName), []byte("junk"), 0o644))

	_, err := NewSupervisor(cfg)
	require.Error(t, err)
}

// The engine starts, polls the stub exchange, and shuts down cleanly
// when the context is cancelled.
func TestSupervisorRunAndShutdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"btc_usd":{"last":100.0},"ltc_usd":{"last":30.0}}`))
			return
		}
		w.Write([]byte(`{"success":1,"return":{"funds":{"btc":1.0,"ltc":2.0,"usd":100.0}}}`))
	}))
	defer srv.Close()

	sup, err := NewSupervisor(supervisorConfig(t, srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}
