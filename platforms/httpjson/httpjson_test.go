package httpjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/sentryd/engine"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

func newInitializedPlatform(t *testing.T) *Platform {
	t.Helper()
	p := New()
	require.NoError(t, p.Initialize(context.Background(), nil))
	return p
}

func TestHTTPJSONDescribeAndSupportedTypes(t *testing.T) {
	p := New()
	d := p.Describe()
	assert.Equal(t, "httpjson", d.ID)
	assert.True(t, d.SupportsType("status"))
	assert.False(t, d.SupportsType("unknown"))
}

func TestHTTPJSONCreateProbeRejectsMissingURL(t *testing.T) {
	p := newInitializedPlatform(t)
	_, err := p.CreateProbe(context.Background(), "status", engine.ProbeDescriptor{ID: "p1", Config: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestHTTPJSONCollectExtractsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"operational","uptime":99.95}`))
	}))
	defer srv.Close()

	p := newInitializedPlatform(t)
	probe, err := p.CreateProbe(context.Background(), "status", engine.ProbeDescriptor{
		ID: "p1",
		Config: map[string]interface{}{
			"url": srv.URL,
			"fields": []interface{}{
				map[string]interface{}{"fact": "platform.status", "path": "status"},
				map[string]interface{}{"fact": "platform.uptime", "path": "uptime"},
			},
		},
	})
	require.NoError(t, err)

	st := state.NewProbeState()
	facts, err := probe.Collect(context.Background(), &st)
	require.NoError(t, err)
	assert.Equal(t, "ok", facts["http.status"].String())
	assert.Equal(t, "operational", facts["platform.status"].String())
	v, ok := facts["platform.uptime"].CoerceNumeric()
	require.True(t, ok)
	assert.Equal(t, 99.95, v)
}

func TestHTTPJSONCollectFallsBackOnPrimaryFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer good.Close()

	p := newInitializedPlatform(t)
	probe, err := p.CreateProbe(context.Background(), "status", engine.ProbeDescriptor{
		ID: "p1",
		Config: map[string]interface{}{
			"url":       "http://127.0.0.1:1/unreachable",
			"fallbacks": []interface{}{good.URL},
			"fields": []interface{}{
				map[string]interface{}{"fact": "platform.status", "path": "status"},
			},
		},
	})
	require.NoError(t, err)

	st := state.NewProbeState()
	facts, err := probe.Collect(context.Background(), &st)
	require.NoError(t, err)
	assert.Equal(t, "fallback", facts["http.source"].String())
	assert.Equal(t, "degraded", facts["platform.status"].String())
}

func TestHTTPJSONCollectReportsUnreachableWhenAllSourcesFail(t *testing.T) {
	p := newInitializedPlatform(t)
	probe, err := p.CreateProbe(context.Background(), "status", engine.ProbeDescriptor{
		ID:     "p1",
		Config: map[string]interface{}{"url": "http://127.0.0.1:1/unreachable"},
	})
	require.NoError(t, err)

	st := state.NewProbeState()
	facts, err := probe.Collect(context.Background(), &st)
	require.NoError(t, err, "exhausted sources is a soft fact, not a Collect error")
	assert.Equal(t, "unreachable", facts["http.status"].String())
}
