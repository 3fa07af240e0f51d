package session

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgsect/EM-Fault-It-Yourself/metric"
)

func TestServerServesHealthAndMetrics(t *testing.T) {
	s := newStation(t)
	registry := metric.NewRegistry()

	srv := NewServer("127.0.0.1:0", s.b, registry, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop(time.Second)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(metrics), "go_goroutines")
}

func TestServerBindFailure(t *testing.T) {
	s := newStation(t)

	first := NewServer("127.0.0.1:0", s.b, nil, nil)
	require.NoError(t, first.Start())
	defer first.Stop(time.Second)

	second := NewServer(first.Addr(), s.b, nil, nil)
	err := second.Start()
	require.Error(t, err)
}
