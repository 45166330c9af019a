package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskhub/protocol"
)

func TestAdminServer(t *testing.T) {
	h := newHarness(t, Options{})
	h.addEngine("q1", "h1")
	h.register("q2", "h2")

	srv := httptest.NewServer(NewAdminServer(h.hub, h.metrics, nil).Router())
	defer srv.Close()

	get := func(path string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	resp, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get("/engines")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var engines []EngineInfo
	require.NoError(t, json.Unmarshal(body, &engines))
	require.Len(t, engines, 2)
	assert.Equal(t, EngineInfo{ID: 0, Queue: "q1", Heart: "h1", Control: "q1", Registered: true}, engines[0])
	assert.False(t, engines[1].Registered)

	resp, body = get("/queue")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply protocol.QueryReply
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Equal(t, "q1", reply.Queues[0].Queue)

	resp, body = get("/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taskhub_hub_registrations_total")

	require.NoError(t, h.hub.Stop())
	resp, _ = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = get("/engines")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
