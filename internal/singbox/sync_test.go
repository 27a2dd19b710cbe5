package singbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blikh/singbox-panel/internal/directory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const fixture = `{
  "log": {"level": "info"},
  "inbounds": [
    {"type": "vless", "tag": "vless-reality", "listen_port": 443, "users": [{"uuid": "old"}],
     "tls": {"enabled": true, "reality": {"enabled": true, "short_id": ["ab"]}}},
    {"type": "vless", "tag": "vless-plain", "users": []},
    {"type": "vmess", "tag": "vmess-ws"},
    {"type": "hysteria2", "tag": "hy2", "users": [{"password": "old"}], "up_mbps": 100},
    {"type": "trojan", "tag": "trojan"},
    {"type": "shadowsocks", "tag": "ss", "method": "2022-blake3-aes-128-gcm", "password": "keep&me"}
  ],
  "outbounds": [{"type": "direct", "tag": "direct"}],
  "route": {"final": "direct"}
}`

var testUsers = []directory.User{
	{ID: 1, Username: "a", UUID: "uuid-a", Password: "secret-a", Enabled: true},
	{ID: 2, Username: "b", UUID: "uuid-b", Password: "secret-b", Enabled: true},
}

type fakeDaemon struct {
	mu          sync.Mutex
	validateErr error
	reloadErr   error
	restartErr  error
	onValidate  func(path string)
	validations int
	reloads     int
	restarts    int
}

func (d *fakeDaemon) Validate(ctx context.Context, path string) error {
	if d.onValidate != nil {
		d.onValidate(path)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validations++
	return d.validateErr
}

func (d *fakeDaemon) Reload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloads++
	return d.reloadErr
}

func (d *fakeDaemon) Restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	return d.restartErr
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *fakeAudit) AppendAudit(ctx context.Context, action, detail string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, action+": "+detail)
	return nil
}

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

type decodedInbound struct {
	Type  string            `json:"type"`
	Tag   string            `json:"tag"`
	Users []json.RawMessage `json:"users"`
}

func decodeInbounds(t *testing.T, data []byte) map[string]decodedInbound {
	t.Helper()
	var doc struct {
		Inbounds []decodedInbound `json:"inbounds"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	out := make(map[string]decodedInbound)
	for _, in := range doc.Inbounds {
		out[in.Tag] = in
	}
	return out
}

func compact(t *testing.T, raw []byte) string {
	t.Helper()
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		t.Fatal(err)
	}
	return b.String()
}

func TestSyncProjectsUsersPerListenerKind(t *testing.T) {
	path := writeFixture(t, fixture)
	daemon := &fakeDaemon{}
	audit := &fakeAudit{}
	s := NewSynchronizer(path, daemon, audit, discard)

	res := s.Sync(context.Background(), testUsers)
	if !res.OK || res.ActiveUsers != 2 || res.Err != nil {
		t.Fatalf("Sync = %+v", res)
	}

	out, _ := os.ReadFile(path)
	in := decodeInbounds(t, out)
	want := map[string][]string{
		"vless-reality": {`{"uuid":"uuid-a","flow":"xtls-rprx-vision"}`, `{"uuid":"uuid-b","flow":"xtls-rprx-vision"}`},
		"vless-plain":   {`{"uuid":"uuid-a"}`, `{"uuid":"uuid-b"}`},
		"vmess-ws":      {`{"uuid":"uuid-a"}`, `{"uuid":"uuid-b"}`},
		"hy2":           {`{"password":"secret-a"}`, `{"password":"secret-b"}`},
		"trojan":        {`{"password":"secret-a"}`, `{"password":"secret-b"}`},
	}
	for tag, entries := range want {
		got := in[tag].Users
		if len(got) != len(entries) {
			t.Fatalf("%s: %d users, want %d", tag, len(got), len(entries))
		}
		for i := range entries {
			if c := compact(t, got[i]); c != entries[i] {
				t.Fatalf("%s[%d] = %s, want %s", tag, i, c, entries[i])
			}
		}
	}
	if in["ss"].Users != nil {
		t.Fatalf("unmanaged inbound gained users: %v", in["ss"].Users)
	}

	text := string(out)
	if !(strings.Index(text, `"log"`) < strings.Index(text, `"inbounds"`) &&
		strings.Index(text, `"inbounds"`) < strings.Index(text, `"outbounds"`) &&
		strings.Index(text, `"outbounds"`) < strings.Index(text, `"route"`)) {
		t.Fatalf("top-level key order changed:\n%s", text)
	}
	hy2 := text[strings.Index(text, `"tag": "hy2"`):]
	if strings.Index(hy2, `"users"`) > strings.Index(hy2, `"up_mbps"`) {
		t.Fatal("users key moved within the hysteria2 inbound")
	}
	if !strings.Contains(text, `"keep&me"`) {
		t.Fatal("unmanaged inbound content was escaped or lost")
	}
	if !strings.HasSuffix(text, "}\n") || !strings.Contains(text, "\n  \"inbounds\": [") {
		t.Fatalf("unexpected formatting:\n%s", text)
	}

	backup, err := os.ReadFile(s.BackupPath())
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != fixture {
		t.Fatal("backup is not byte-identical to the pre-sync document")
	}
	if daemon.validations != 1 || daemon.reloads != 1 {
		t.Fatalf("validations=%d reloads=%d", daemon.validations, daemon.reloads)
	}
	if len(audit.entries) != 1 || audit.entries[0] != "sync_users: synced 2 active users" {
		t.Fatalf("audit = %v", audit.entries)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	path := writeFixture(t, fixture)
	s := NewSynchronizer(path, &fakeDaemon{}, &fakeAudit{}, discard)

	if res := s.Sync(context.Background(), testUsers); !res.OK {
		t.Fatal(res.Message)
	}
	first, _ := os.ReadFile(path)
	if res := s.Sync(context.Background(), testUsers); !res.OK {
		t.Fatal(res.Message)
	}
	second, _ := os.ReadFile(path)
	if !bytes.Equal(first, second) {
		t.Fatalf("second sync changed the document:\n%s\n---\n%s", first, second)
	}
}

func TestSyncEmptyActiveSet(t *testing.T) {
	path := writeFixture(t, fixture)
	s := NewSynchronizer(path, &fakeDaemon{}, &fakeAudit{}, discard)

	res := s.Sync(context.Background(), nil)
	if !res.OK || res.ActiveUsers != 0 {
		t.Fatalf("Sync = %+v", res)
	}
	out, _ := os.ReadFile(path)
	for _, tag := range []string{"vless-reality", "vless-plain", "vmess-ws", "hy2", "trojan"} {
		users := decodeInbounds(t, out)[tag].Users
		if users == nil || len(users) != 0 {
			t.Fatalf("%s: users = %v, want empty list", tag, users)
		}
	}
	if !strings.Contains(string(out), `"users": []`) {
		t.Fatal("empty user list not rendered as []")
	}
}

func TestSyncUntouchedInboundsKeepContent(t *testing.T) {
	path := writeFixture(t, fixture)
	s := NewSynchronizer(path, &fakeDaemon{}, &fakeAudit{}, discard)
	if res := s.Sync(context.Background(), testUsers); !res.OK {
		t.Fatal(res.Message)
	}

	var before, after struct {
		Inbounds  []json.RawMessage `json:"inbounds"`
		Outbounds json.RawMessage   `json:"outbounds"`
	}
	out, _ := os.ReadFile(path)
	json.Unmarshal([]byte(fixture), &before)
	json.Unmarshal(out, &after)
	if compact(t, before.Inbounds[5]) != compact(t, after.Inbounds[5]) {
		t.Fatalf("shadowsocks inbound changed:\n%s\n%s", before.Inbounds[5], after.Inbounds[5])
	}
	if compact(t, before.Outbounds) != compact(t, after.Outbounds) {
		t.Fatal("outbounds changed")
	}
}

func TestSyncValidationFailureRestores(t *testing.T) {
	path := writeFixture(t, fixture)
	daemon := &fakeDaemon{validateErr: &CommandError{
		Args: []string{"sing-box", "check"}, ExitCode: 1, Output: "FATAL decode config", Err: errors.New("exit status 1"),
	}}
	audit := &fakeAudit{}
	s := NewSynchronizer(path, daemon, audit, discard)

	res := s.Sync(context.Background(), testUsers)
	if res.OK || !errors.Is(res.Err, ErrValidationFailed) {
		t.Fatalf("Sync = %+v", res)
	}
	if !strings.Contains(res.Message, "FATAL decode config") {
		t.Fatalf("message lacks validator output: %q", res.Message)
	}
	out, _ := os.ReadFile(path)
	if string(out) != fixture {
		t.Fatal("document not restored after failed validation")
	}
	if daemon.reloads != 0 {
		t.Fatal("daemon reloaded with an unvalidated document")
	}
	if len(audit.entries) != 0 {
		t.Fatalf("audit = %v", audit.entries)
	}
}

func TestSyncReloadFailureKeepsDocument(t *testing.T) {
	path := writeFixture(t, fixture)
	s := NewSynchronizer(path, &fakeDaemon{reloadErr: errors.New("unit not found")}, &fakeAudit{}, discard)

	res := s.Sync(context.Background(), testUsers)
	if res.OK || !errors.Is(res.Err, ErrReloadFailed) {
		t.Fatalf("Sync = %+v", res)
	}
	out, _ := os.ReadFile(path)
	if string(out) == fixture {
		t.Fatal("validated document was rolled back after reload failure")
	}
	if len(decodeInbounds(t, out)["hy2"].Users) != 2 {
		t.Fatal("new user list not kept")
	}
}

func TestSyncMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	daemon := &fakeDaemon{}
	s := NewSynchronizer(path, daemon, &fakeAudit{}, discard)

	res := s.Sync(context.Background(), testUsers)
	if !errors.Is(res.Err, ErrConfigMissing) {
		t.Fatalf("Sync = %+v", res)
	}
	if _, err := os.Stat(s.BackupPath()); !os.IsNotExist(err) {
		t.Fatal("backup written for a missing document")
	}
	if daemon.validations != 0 {
		t.Fatal("validator ran without a document")
	}
}

func TestSyncMalformedConfigUntouched(t *testing.T) {
	const broken = `{"inbounds": [`
	path := writeFixture(t, broken)
	daemon := &fakeDaemon{}
	s := NewSynchronizer(path, daemon, &fakeAudit{}, discard)

	res := s.Sync(context.Background(), testUsers)
	if res.OK || !errors.Is(res.Err, ErrSyncFailed) {
		t.Fatalf("Sync = %+v", res)
	}
	out, _ := os.ReadFile(path)
	if string(out) != broken || daemon.validations != 0 {
		t.Fatal("malformed document was modified or validated")
	}
}

func TestSyncPanicDuringValidationRestores(t *testing.T) {
	path := writeFixture(t, fixture)
	daemon := &fakeDaemon{onValidate: func(string) { panic("validator exploded") }}
	s := NewSynchronizer(path, daemon, &fakeAudit{}, discard)

	res := s.Sync(context.Background(), testUsers)
	if res.OK || !errors.Is(res.Err, ErrSyncFailed) {
		t.Fatalf("Sync = %+v", res)
	}
	out, _ := os.ReadFile(path)
	if string(out) != fixture {
		t.Fatal("document not restored after panic")
	}

	// The lock must have been released.
	daemon.onValidate = nil
	if res := s.Sync(context.Background(), testUsers); !res.OK {
		t.Fatalf("sync after panic: %+v", res)
	}
}

func TestSyncRestoreFallsBackToMemory(t *testing.T) {
	path := writeFixture(t, fixture)
	var s *Synchronizer
	daemon := &fakeDaemon{
		validateErr: errors.New("invalid"),
		onValidate:  func(string) { os.Remove(s.BackupPath()) },
	}
	s = NewSynchronizer(path, daemon, &fakeAudit{}, discard)

	if res := s.Sync(context.Background(), testUsers); !errors.Is(res.Err, ErrValidationFailed) {
		t.Fatalf("Sync = %+v", res)
	}
	out, _ := os.ReadFile(path)
	if string(out) != fixture {
		t.Fatal("document not restored without a backup file")
	}
}

func TestSyncPreservesPermissions(t *testing.T) {
	path := writeFixture(t, fixture)
	s := NewSynchronizer(path, &fakeDaemon{}, &fakeAudit{}, discard)
	if res := s.Sync(context.Background(), testUsers); !res.OK {
		t.Fatal(res.Message)
	}
	for _, p := range []string{path, s.BackupPath()} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0640 {
			t.Fatalf("%s mode = %v, want 0640", p, info.Mode().Perm())
		}
	}
}

func TestSyncSerialisesSamePath(t *testing.T) {
	path := writeFixture(t, fixture)
	var inside, overlaps atomic.Int32
	daemon := &fakeDaemon{onValidate: func(string) {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate instances for the same path share one lock.
			s := NewSynchronizer(path, daemon, &fakeAudit{}, discard)
			if res := s.Sync(context.Background(), testUsers); !res.OK {
				t.Errorf("Sync: %+v", res)
			}
		}()
	}
	wg.Wait()
	if overlaps.Load() != 0 {
		t.Fatalf("%d overlapping syncs", overlaps.Load())
	}
}

// TestSyncHelperProcess is run as a child by
// TestSyncSerialisesAcrossProcesses. It holds the lock through a slow
// validation that rejects the written document.
func TestSyncHelperProcess(t *testing.T) {
	path := os.Getenv("PANEL_SYNC_HELPER_CONFIG")
	if path == "" {
		t.Skip("only runs as a child process")
	}
	marker := os.Getenv("PANEL_SYNC_HELPER_MARKER")
	daemon := &fakeDaemon{
		validateErr: errors.New("rejected"),
		onValidate: func(string) {
			os.WriteFile(marker, nil, 0o600)
			time.Sleep(2 * time.Second)
		},
	}
	s := NewSynchronizer(path, daemon, &fakeAudit{}, discard)
	child := []directory.User{{ID: 9, Username: "child", UUID: "child-uuid", Password: "child-secret", Enabled: true}}
	if res := s.Sync(context.Background(), child); !errors.Is(res.Err, ErrValidationFailed) {
		t.Fatalf("child Sync = %+v", res)
	}
}

func TestSyncSerialisesAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	path := writeFixture(t, fixture)
	marker := filepath.Join(t.TempDir(), "validating")

	var out bytes.Buffer
	cmd := exec.Command(os.Args[0], "-test.run=^TestSyncHelperProcess$")
	cmd.Env = append(os.Environ(), "PANEL_SYNC_HELPER_CONFIG="+path, "PANEL_SYNC_HELPER_MARKER="+marker)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			cmd.Wait()
			t.Fatalf("child never reached validation:\n%s", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The child is inside its sync; this one must wait for it to finish
	// and roll back before reading the document.
	s := NewSynchronizer(path, &fakeDaemon{}, &fakeAudit{}, discard)
	res := s.Sync(context.Background(), testUsers)
	if err := cmd.Wait(); err != nil {
		t.Fatalf("child: %v\n%s", err, out.String())
	}
	if !res.OK {
		t.Fatalf("Sync = %+v", res)
	}

	doc, _ := os.ReadFile(path)
	if bytes.Contains(doc, []byte("child-uuid")) {
		t.Fatal("document carries the rejected child set")
	}
	if !bytes.Contains(doc, []byte("uuid-a")) {
		t.Fatal("document lost the validated set")
	}
	backup, _ := os.ReadFile(s.BackupPath())
	if string(backup) != fixture {
		t.Fatal("backup is not the pre-sync document")
	}
}

type fakeLister struct {
	users []directory.User
	err   error
}

func (f *fakeLister) ListActive(ctx context.Context) ([]directory.User, error) {
	return f.users, f.err
}

func TestSyncFromStore(t *testing.T) {
	path := writeFixture(t, fixture)
	s := NewSynchronizer(path, &fakeDaemon{}, &fakeAudit{}, discard)

	if res := s.SyncFromStore(context.Background(), &fakeLister{users: testUsers[:1]}); !res.OK || res.ActiveUsers != 1 {
		t.Fatalf("SyncFromStore = %+v", res)
	}
	res := s.SyncFromStore(context.Background(), &fakeLister{err: errors.New("db locked")})
	if res.OK || !errors.Is(res.Err, ErrSyncFailed) {
		t.Fatalf("SyncFromStore with failing lister = %+v", res)
	}
}

func TestRestartRecordsExitCode(t *testing.T) {
	path := writeFixture(t, fixture)
	audit := &fakeAudit{}
	daemon := &fakeDaemon{}
	s := NewSynchronizer(path, daemon, audit, discard)

	if res := s.Restart(context.Background()); !res.OK {
		t.Fatalf("Restart = %+v", res)
	}
	daemon.restartErr = &CommandError{Args: []string{"systemctl"}, ExitCode: 5, Err: errors.New("exit status 5")}
	if res := s.Restart(context.Background()); res.OK {
		t.Fatal("failed restart reported OK")
	}
	want := []string{"restart: exit_code=0", "restart: exit_code=5"}
	if strings.Join(audit.entries, "|") != strings.Join(want, "|") {
		t.Fatalf("audit = %v, want %v", audit.entries, want)
	}
}
