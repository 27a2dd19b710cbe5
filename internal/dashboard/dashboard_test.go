package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/blikh/singbox-panel/internal/collector"
	"github.com/blikh/singbox-panel/internal/directory"
	"github.com/blikh/singbox-panel/internal/health"
	"github.com/blikh/singbox-panel/internal/statsapi"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubDirectory struct {
	total  int
	active int
	err    error
}

func (d stubDirectory) CountUsers(ctx context.Context) (int, error) { return d.total, d.err }
func (d stubDirectory) ListActive(ctx context.Context) ([]directory.User, error) {
	return make([]directory.User, d.active), d.err
}

type stubDaemon statsapi.Summary

func (d stubDaemon) Summary(ctx context.Context) statsapi.Summary { return statsapi.Summary(d) }

type stubTunnels struct{}

func (stubTunnels) CheckAll(ctx context.Context, tags []string) []health.TunnelStatus {
	out := make([]health.TunnelStatus, len(tags))
	for i, tag := range tags {
		out[i] = health.TunnelStatus{Tag: tag, Type: "WireGuard", Alive: i == 0, DelayMs: 50}
	}
	return out
}

type stubEgress map[string]collector.Traffic

func (e stubEgress) Egress() map[string]collector.Traffic { return e }

func newTestService(dir Directory) *Service {
	return NewService(dir,
		stubDaemon{Running: true, Connections: 3, UploadTotal: 2048, DownloadTotal: 3 << 20, Memory: 50 << 20},
		stubTunnels{},
		stubEgress{"wg-jp": {Upload: 1024, Download: 4096}},
		[]string{"wg-jp", "wg-sg"},
	)
}

func TestServiceSummary(t *testing.T) {
	sum, err := newTestService(stubDirectory{total: 5, active: 3}).Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.UsersTotal != 5 || sum.UsersActive != 3 || !sum.Daemon.Running || len(sum.Tunnels) != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Egress["wg-jp"].Download != 4096 {
		t.Fatalf("egress = %+v", sum.Egress)
	}

	if _, err := newTestService(stubDirectory{err: errors.New("locked")}).Summary(context.Background()); err == nil {
		t.Fatal("directory error not reported")
	}
}

func TestServiceSummaryWithoutCollector(t *testing.T) {
	svc := NewService(stubDirectory{}, stubDaemon{}, stubTunnels{}, nil, nil)
	sum, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Egress == nil || len(sum.Egress) != 0 {
		t.Fatalf("egress = %v, want empty map", sum.Egress)
	}
}

func TestStatusHandler(t *testing.T) {
	s := NewServer("127.0.0.1:0", newTestService(stubDirectory{total: 2, active: 1}), false, discard)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var sum Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.UsersTotal != 2 || sum.Tunnels[0].Tag != "wg-jp" {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestStatusHandlerRejectsRemote(t *testing.T) {
	s := NewServer("127.0.0.1:0", newTestService(stubDirectory{}), false, discard)

	for _, tc := range []struct {
		remote string
		method string
		want   int
	}{
		{"203.0.113.9:5000", http.MethodGet, http.StatusForbidden},
		{"garbage", http.MethodGet, http.StatusForbidden},
		{"[::1]:5000", http.MethodPost, http.StatusMethodNotAllowed},
		{"[::1]:5000", http.MethodGet, http.StatusOK},
	} {
		req := httptest.NewRequest(tc.method, "/status", nil)
		req.RemoteAddr = tc.remote
		rec := httptest.NewRecorder()
		s.httpSrv.Handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s %s: status %d, want %d", tc.method, tc.remote, rec.Code, tc.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	with := NewServer("127.0.0.1:0", newTestService(stubDirectory{}), true, discard)
	rec := httptest.NewRecorder()
	with.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}

	without := NewServer("127.0.0.1:0", newTestService(stubDirectory{}), false, discard)
	rec = httptest.NewRecorder()
	without.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics without metrics enabled = %d", rec.Code)
	}
}

func TestFetchSummary(t *testing.T) {
	s := NewServer("127.0.0.1:0", newTestService(stubDirectory{total: 7}), false, discard)
	srv := httptest.NewServer(s.httpSrv.Handler)
	defer srv.Close()

	sum, err := FetchSummary(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("FetchSummary: %v", err)
	}
	if sum.UsersTotal != 7 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestFormatSummary(t *testing.T) {
	sum, _ := newTestService(stubDirectory{total: 5, active: 3}).Summary(context.Background())
	out := FormatSummary(sum)
	for _, want := range []string{
		"Users: 5 total, 3 active",
		"running, 3 connections, memory 50.0 MB",
		"↑2.0 KB ↓3.0 MB",
		"🟢 wg-jp",
		"🔴 wg-sg",
		"↑1.0 KB ↓4.0 KB",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	down := FormatSummary(Summary{})
	if !strings.Contains(down, "not reachable") {
		t.Fatalf("unreachable daemon not reported:\n%s", down)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{5 << 20, "5.0 MB"},
		{3 << 30, "3.0 GB"},
		{2 << 40, "2.00 TB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
