package keepalive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingHitsURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p, err := New(Config{URL: srv.URL, Schedule: "@every 1h"})
	require.NoError(t, err)
	require.True(t, p.Enabled())
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestPingErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	p, err := New(Config{URL: srv.URL, Schedule: "@every 1h"})
	require.NoError(t, err)
	err = p.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPingWithoutURLIsNoop(t *testing.T) {
	t.Parallel()

	p, err := New(Config{URL: "  ", Schedule: "@every 1h"})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NoError(t, p.Ping(context.Background()))

	p.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "http://example.com", Schedule: "every now and then"})
	require.Error(t, err)
}

func TestPingHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	p, err := New(Config{URL: srv.URL, Schedule: "@every 1h", Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, p.Ping(ctx))
}

func TestScheduledPing(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	p, err := New(Config{URL: srv.URL, Schedule: "@every 1s"})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() { p.Stop(context.Background()) })

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}
