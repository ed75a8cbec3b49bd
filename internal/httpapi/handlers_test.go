package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"key_gateway/internal/credentials"
	"key_gateway/internal/keypool"
	"key_gateway/internal/ledger"
	"key_gateway/internal/metrics"
	"key_gateway/internal/storage"
)

func newTestServer(t *testing.T, keys string, quota int64) (*httptest.Server, *keypool.Manager) {
	t.Helper()

	ctx := context.Background()
	led := ledger.New(storage.NewMemoryStore(nil), quota)
	loader := credentials.NewLoader(zap.NewNop(), credentials.InlineSource{List: keys})
	prom := metrics.NewPrometheus()
	manager := keypool.New(ctx, led, loader, keypool.WithMetrics(prom))

	deps := &Dependencies{
		Keys:    manager,
		Metrics: prom,
		Logger:  zap.NewNop(),
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv, manager
}

func postKey(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getPath(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestGetKey(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001,bravo-0002", 2)

	resp := getPath(t, srv, "/get_key")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body keyResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "alpha-0001", body.Key)
}

func TestGetKey_Exhausted(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001", 1)

	resp := postKey(t, srv, "/report_usage", `{"key":"alpha-0001"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getPath(t, srv, "/get_key")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body exhaustedResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "All API keys exhausted", body.Error)
	assert.Equal(t, 1, body.TotalCredentials)
}

func TestReportUsage(t *testing.T) {
	srv, manager := newTestServer(t, "alpha-0001,bravo-0002", 5)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "known key", body: `{"key":"bravo-0002"}`, wantStatus: http.StatusOK},
		{name: "malformed json", body: `{"key":`, wantStatus: http.StatusBadRequest, wantError: "invalid JSON body"},
		{name: "empty body", body: ``, wantStatus: http.StatusBadRequest, wantError: "invalid JSON body"},
		{name: "missing key", body: `{}`, wantStatus: http.StatusBadRequest, wantError: "key is required"},
		{name: "unknown key", body: `{"key":"zulu-9999"}`, wantStatus: http.StatusNotFound, wantError: "unknown key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postKey(t, srv, "/report_usage", tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantError == "" {
				var body statusResponse
				decodeBody(t, resp, &body)
				assert.Equal(t, "ok", body.Status)
				return
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.wantError, body["error"])
		})
	}

	assert.Equal(t, int64(1), manager.Snapshot()["bravo-0002"].Count)
}

func TestReportInvalid_RemovesKeyFromRotation(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001,bravo-0002", 5)

	resp := postKey(t, srv, "/report_invalid", `{"key":"alpha-0001"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getPath(t, srv, "/get_key")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body keyResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "bravo-0002", body.Key)

	resp = postKey(t, srv, "/report_invalid", `{"nope":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevalidate(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001", 5)

	resp := postKey(t, srv, "/report_invalid", `{"key":"alpha-0001"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, getPath(t, srv, "/get_key").StatusCode)

	resp = postKey(t, srv, "/admin/revalidate", `{"key":"alpha-0001"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, getPath(t, srv, "/get_key").StatusCode)

	resp = postKey(t, srv, "/admin/revalidate", `{"key":"zulu-9999"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefresh(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001,bravo-0002", 5)

	resp := postKey(t, srv, "/admin/refresh", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body refreshResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, 0, body.Added)
	assert.Equal(t, 2, body.Total)
}

// growingPool grows between Refresh returning and any later read.
type growingPool struct {
	KeyPool
	size int
}

func (p *growingPool) Refresh(context.Context) (int, int) {
	p.size++
	added, total := 1, p.size
	p.size += 5
	return added, total
}

func TestRefresh_ReportsTotalFromSameRefresh(t *testing.T) {
	pool := &growingPool{size: 2}
	srv := httptest.NewServer(NewHandler(&Dependencies{Keys: pool}))
	defer srv.Close()

	resp := postKey(t, srv, "/admin/refresh", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body refreshResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, refreshResponse{Added: 1, Total: 3}, body)
}

func TestStatus_MasksCredentials(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001,bravo-0002", 5)
	postKey(t, srv, "/report_usage", `{"key":"alpha-0001"}`)

	resp := getPath(t, srv, "/admin/keys")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st keypool.Status
	decodeBody(t, resp, &st)
	assert.Equal(t, int64(5), st.Quota)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Eligible)
	require.Len(t, st.Keys, 2)
	assert.Equal(t, "...0001", st.Keys[0].Key)
	assert.Equal(t, int64(1), st.Keys[0].Count)
	assert.NotNil(t, st.Keys[0].LastUsedAt)
	assert.Nil(t, st.Keys[1].LastUsedAt)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001", 5)

	resp := getPath(t, srv, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, err := io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", buf.String())

	getPath(t, srv, "/get_key")

	resp = getPath(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf.Reset()
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "keygate_keys_acquired_total 1")
	assert.Contains(t, buf.String(), `keygate_http_request_duration_seconds_count{route="GET /get_key",status="2xx"} 1`)
}

func TestWrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, "alpha-0001", 5)

	resp := postKey(t, srv, "/get_key", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = getPath(t, srv, "/report_usage")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func TestRateLimited(t *testing.T) {
	led := ledger.New(storage.NewMemoryStore(nil), 5)
	manager := keypool.New(context.Background(), led,
		credentials.NewLoader(zap.NewNop(), credentials.InlineSource{List: "alpha-0001"}))
	srv := httptest.NewServer(NewHandler(&Dependencies{Keys: manager, RateLimit: denyLimiter{}}))
	defer srv.Close()

	resp := getPath(t, srv, "/get_key")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	var order []string
	deps := &Dependencies{
		closers: []namedCloser{
			{name: "first", close: func() error { order = append(order, "first"); return nil }},
			{name: "second", close: func() error { order = append(order, "second"); return assert.AnError }},
		},
	}

	err := deps.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close second")
	assert.Equal(t, []string{"second", "first"}, order)
}
