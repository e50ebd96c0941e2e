package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvardkv/bitvault/core"
)

func setupTestServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "bitvault-service-test")
	require.NoError(t, err)

	eng, err := core.Open(dir, core.WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)

	srv := New("", eng, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler)
	return ts, func() {
		ts.Close()
		_ = eng.Close()
		_ = os.RemoveAll(dir)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func TestPutGetRoundTrip(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/put", putRequest{Key: "k", Value: "v"})
	defer resp.Body.Close()

	var putResp statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&putResp))
	require.Equal(t, StatusOK, putResp.Status)

	resp2 := postJSON(t, ts.URL+"/get", putRequest{Key: "k"})
	defer resp2.Body.Close()

	var getResp getResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&getResp))
	require.Equal(t, StatusOK, getResp.Status)
	require.Equal(t, "v", getResp.Value)
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/get", putRequest{Key: "missing"})
	defer resp.Body.Close()

	var getResp getResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&getResp))
	require.Equal(t, StatusNotFound, getResp.Status)
}

func TestDelThenGetReportsNotFound(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	postJSON(t, ts.URL+"/put", putRequest{Key: "k", Value: "v"}).Body.Close()
	postJSON(t, ts.URL+"/del", putRequest{Key: "k"}).Body.Close()

	resp := postJSON(t, ts.URL+"/get", putRequest{Key: "k"})
	defer resp.Body.Close()

	var getResp getResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&getResp))
	require.Equal(t, StatusNotFound, getResp.Status)
}

func TestScanStreamsNDJSONFrames(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	for _, k := range []string{"a", "b", "c"} {
		postJSON(t, ts.URL+"/put", putRequest{Key: k, Value: "1"}).Body.Close()
	}

	resp, err := http.Get(ts.URL + "/scan?range=-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	var frames []scanFrame
	for {
		var f scanFrame
		if err := dec.Decode(&f); err != nil {
			break
		}
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	for _, f := range frames {
		require.Equal(t, StatusOK, f.Status)
	}
}

func TestScanInvalidRegexReportsStatus(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/scan?regex=[")
	require.NoError(t, err)
	defer resp.Body.Close()

	var f scanFrame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	require.Equal(t, StatusInvalidRegex, f.Status)
}

func TestStatsReportsDiskSize(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	postJSON(t, ts.URL+"/put", putRequest{Key: "k", Value: "v"}).Body.Close()

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, StatusOK, stats.Status)
	require.Greater(t, stats.DiskSize, int64(0))
}

func TestMergeEndpointSucceeds(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	postJSON(t, ts.URL+"/put", putRequest{Key: "k", Value: "v"}).Body.Close()

	resp, err := http.Post(ts.URL+"/merge", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, StatusOK, status.Status)
}
