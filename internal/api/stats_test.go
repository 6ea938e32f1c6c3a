package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Total != 0 {
		t.Errorf("total = %d, want 0", body.Total)
	}
}

func TestStatsCountsSubmissions(t *testing.T) {
	rt := &scriptRuntime{}
	srv, _ := newTestServer(t, rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	submitSession(t, ts, `{"runtime":"script","source":"x"}`)
	submitSession(t, ts, `{"runtime":"script","source":"y"}`)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 2 {
		t.Errorf("total = %d, want 2", body.Total)
	}
	if body.ByRuntime["script"] != 2 {
		t.Errorf("by_runtime[script] = %d, want 2", body.ByRuntime["script"])
	}
}
