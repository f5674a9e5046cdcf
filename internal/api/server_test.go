package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/pool-stats/internal/livestats"
	"github.com/tos-network/pool-stats/internal/parserserver"
)

func newTestLiveServer() *livestats.Server {
	return livestats.NewServer(livestats.Config{
		RedisConcurrency: 1,
		FlushInterval:    time.Hour,
		SweepInterval:    time.Hour,
	})
}

func newTestParserServer(t *testing.T) *parserserver.Server {
	t.Helper()
	s, err := parserserver.NewServer(parserserver.Config{
		DataDir:       t.TempDir(),
		FlushInterval: time.Hour,
		ExpirySweep:   time.Hour,
	})
	require.NoError(t, err)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string) (*http.Response, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Result(), env
}

func TestServerStatusReportsInitializingByDefault(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), nil)
	_, env := doRequest(t, s, "GET", "/")
	if env.ErrNo != errNoInitializing {
		t.Errorf("err_no = %d, want %d (initializing)", env.ErrNo, errNoInitializing)
	}
}

func TestWorkerStatusReportsInitializingByDefault(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), nil)
	_, env := doRequest(t, s, "GET", "/worker_status?puid=7&worker_id=1")
	if env.ErrNo != errNoInitializing {
		t.Errorf("err_no = %d, want %d (initializing)", env.ErrNo, errNoInitializing)
	}
}

func TestFlushDBTimeDoesNotRequireInitializationToComplete(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), nil)
	_, env := doRequest(t, s, "GET", "/flush_db_time")
	if env.ErrNo != errNoOK {
		t.Errorf("err_no = %d, want %d", env.ErrNo, errNoOK)
	}
}

func TestShareStatsForUnseenWorkerReturnsEmptyOK(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), newTestParserServer(t))
	resp, env := doRequest(t, s, "GET", "/share_stats?user_id=1&worker_id=1,2&hour=24,-1")
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if env.ErrNo != errNoOK {
		t.Errorf("err_no = %d, want %d", env.ErrNo, errNoOK)
	}

	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a per-worker map, got %T", env.Data)
	}
	for _, workerID := range []string{"1", "2"} {
		rows, ok := data[workerID].([]interface{})
		if !ok {
			t.Fatalf("expected worker %s to have an (empty) array entry, got %T", workerID, data[workerID])
		}
		if len(rows) != 0 {
			t.Errorf("worker %s rows = %v, want none for an unseen worker", workerID, rows)
		}
	}
}

func TestShareStatsMissingUserIDIsBadArgument(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), newTestParserServer(t))
	_, env := doRequest(t, s, "GET", "/share_stats")
	if env.ErrNo != errNoBadArgument {
		t.Errorf("err_no = %d, want %d", env.ErrNo, errNoBadArgument)
	}
}

func TestShareStatsRouteAbsentWithoutParserServer(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), nil)
	// gin's default 404 body is plain text, not the JSON envelope, so this
	// bypasses doRequest's JSON decoding.
	req := httptest.NewRequest("GET", "/share_stats?user_id=1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404 when no parser server is configured", rec.Code)
	}
}

func TestCORSPreflightIsHandled(t *testing.T) {
	s := NewServer(":0", newTestLiveServer(), nil)
	req := httptest.NewRequest("OPTIONS", "/worker_status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != 204 {
		t.Errorf("OPTIONS status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header to be set")
	}
}

func TestParseInt32(t *testing.T) {
	cases := []struct {
		in      string
		want    int32
		wantErr bool
	}{
		{"7", 7, false},
		{"-3", -3, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, c := range cases {
		got, err := parseInt32(c.in)
		if c.wantErr != (err != nil) {
			t.Errorf("parseInt32(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if !c.wantErr && got != c.want {
			t.Errorf("parseInt32(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseWorkerIDs(t *testing.T) {
	cases := []struct {
		in   string
		want []int64
	}{
		{"", nil},
		{"1", []int64{1}},
		{"1,2, 3", []int64{1, 2, 3}},
	}
	for _, c := range cases {
		got, err := parseWorkerIDs(c.in)
		require.NoError(t, err)
		if len(got) != len(c.want) {
			t.Fatalf("parseWorkerIDs(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("parseWorkerIDs(%q)[%d] = %d, want %d", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestFormatIP(t *testing.T) {
	if got := formatIP(0x01020304); got != "1.2.3.4" {
		t.Errorf("formatIP = %q, want 1.2.3.4", got)
	}
}
