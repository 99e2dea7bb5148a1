package server

import (
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/INLOpen/emberstore/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServer_Routes(t *testing.T) {
	srv, err := NewMetricsServer(&config.DebugConfig{PProfEnabled: true, MetricsEnabled: true}, nil)
	require.NoError(t, err)

	t.Run("Metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var vars map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vars))
		assert.Contains(t, vars, "memstats")
	})

	t.Run("PProf", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Dashboard", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/viz/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsServer_DisabledEndpoints(t *testing.T) {
	srv, err := NewMetricsServer(&config.DebugConfig{}, nil)
	require.NoError(t, err)

	for _, path := range []string{"/metrics", "/debug/pprof/"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestMetricsServer_ServeAndStop(t *testing.T) {
	srv, err := NewMetricsServer(&config.DebugConfig{MetricsEnabled: true}, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/metrics"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	srv.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestSystemCollector_Collect(t *testing.T) {
	sc := NewSystemCollector(t.TempDir(), time.Second, nil)
	assert.Equal(t, 2*time.Second, sc.interval)
	sc.collect()

	for _, name := range []string{"system_mem_usage_percent", "system_disk_usage_percent"} {
		v := expvar.Get(name)
		require.NotNil(t, v, name)
		var pct float64
		require.NoError(t, json.Unmarshal([]byte(v.String()), &pct))
		assert.GreaterOrEqual(t, pct, 0.0)
		assert.LessOrEqual(t, pct, 100.0)
	}

	sc.Start()
	sc.Stop()
	sc.Stop()
}
