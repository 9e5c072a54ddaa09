package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func passing(name string, critical bool) Checker {
	return CheckFunc{CheckName: name, IsCritical: critical, Fn: func(context.Context) error { return nil }}
}

func failing(name string, critical bool) Checker {
	return CheckFunc{CheckName: name, IsCritical: critical, Fn: func(context.Context) error { return errors.New("down") }}
}

func TestAllHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(passing("store", true))
	m.Register(passing("broker", false))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
	assert.Len(t, overall.Components, 2)
}

func TestCriticalFailureUnready(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(passing("broker", false))
	m.Register(failing("store", true))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(passing("store", true))
	m.Register(failing("tracing", false))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestUnregister(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(failing("store", true))
	m.Unregister("store")

	assert.True(t, m.Ready(context.Background()))
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(failing("store", true))
	srv := httptest.NewServer(Handler(m))
	defer srv.Close()

	client := srv.Client()

	resp, err := client.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)

	var overall Overall
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&overall))
	assert.Equal(t, "unhealthy", overall.StatusStr)
	assert.False(t, overall.Ready)

	m.Unregister("store")
	resp, err = client.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
