package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

func TestNewSidecarClient_AppliesBackendSettings(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(server.Close)

	cfg := &Config{BackendTimeout: 20 * time.Millisecond, BackendQPS: 1000, BackendBurst: 10}
	queue := workqueue.Options{BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}.WithDefaults()

	client := newSidecarClient(cfg, queue, nil)

	start := time.Now()
	_, err := client.ZoneExists(context.Background(), bind9.Target{Name: "dns/a", APIURL: server.URL}, "example.com")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, bind9.IsTransient(err))
	assert.Equal(t, int32(bind9.DefaultMaxAttempts), requests.Load(), "timed out requests are retried in place")
	assert.Less(t, elapsed, 2*time.Second, "every attempt is cut off by the backend timeout")
}

func TestNewSidecarClient_Defaults(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := newSidecarClient(&Config{}, workqueue.DefaultOptions(), nil)

	exists, err := client.ZoneExists(context.Background(), bind9.Target{Name: "dns/a", APIURL: server.URL}, "example.com")
	require.NoError(t, err)
	assert.True(t, exists)
}
