package haproxy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bakerstreet/internal/registry"
	"bakerstreet/internal/telemetry"
)

// fakeProxy writes a script that appends its arguments to a log file.
func fakeProxy(t *testing.T, dir string, exitCode int) (exe, argLog string) {
	t.Helper()
	exe = filepath.Join(dir, "haproxy")
	argLog = filepath.Join(dir, "reloads.log")
	script := "#!/bin/sh\necho \"$PWD $*\" >> " + argLog + "\n"
	if exitCode != 0 {
		script += "echo boom >&2\nexit " + string(rune('0'+exitCode)) + "\n"
	}
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return exe, argLog
}

func reloads(t *testing.T, argLog string) []string {
	t.Helper()
	b, err := os.ReadFile(argLog)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

type memStore struct {
	fp    string
	at    time.Time
	saves int
}

func (s *memStore) Load() (string, time.Time, error) { return s.fp, s.at, nil }

func (s *memStore) Save(fp string, at time.Time) error {
	s.fp, s.at = fp, at
	s.saves++
	return nil
}

func sample() registry.Services {
	return registry.Services{"users": {ep("users", "10.0.0.1", 5000, "http")}}
}

func TestWriteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	exe, argLog := fakeProxy(t, dir, 0)
	pidPath := filepath.Join(dir, "haproxy.pid")
	if err := os.WriteFile(pidPath, []byte("101\n102\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tel, _ := telemetry.New("test")
	m, err := NewReloadManager(newRenderer(t), ReloadOptions{
		ConfigPath:    filepath.Join(dir, "conf", "haproxy.cfg"),
		Executable:    exe,
		ReloadCommand: "-f {config_path} -p {pid_path} -sf {pid}",
		PIDPath:       pidPath,
		RunDir:        dir,
	}, WithTelemetry(tel))
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.Write(sample())
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed || !first.Written || !first.Reloaded {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	second, err := m.Write(sample())
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed || second.Written || second.Reloaded || second.Fingerprint != first.Fingerprint {
		t.Fatalf("unexpected second outcome %+v", second)
	}

	got := reloads(t, argLog)
	if len(got) != 1 {
		t.Fatalf("expect one reload, got %v", got)
	}
	want := dir + " -f " + filepath.Join(dir, "conf", "haproxy.cfg") + " -p " + pidPath + " -sf 101 102"
	if got[0] != want {
		t.Fatalf("reload args\n got %q\nwant %q", got[0], want)
	}
	if tel.Counter("config", "writes") != 1 || tel.Counter("reload", "ok") != 1 {
		t.Fatal("metrics not recorded")
	}
	if m.LastApplied() != first.Fingerprint || m.Pending() {
		t.Fatalf("unexpected manager state %q pending=%v", m.LastApplied(), m.Pending())
	}
}

func TestWriteWithoutReloadCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haproxy.cfg")
	m, err := NewReloadManager(newRenderer(t), ReloadOptions{ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Write(sample())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Written || out.Reloaded {
		t.Fatalf("unexpected outcome %+v", out)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "backend users") {
		t.Fatalf("config not written:\n%s", b)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestReloadFailureKeepsConfig(t *testing.T) {
	dir := t.TempDir()
	exe, _ := fakeProxy(t, dir, 3)
	path := filepath.Join(dir, "haproxy.cfg")
	m, _ := NewReloadManager(newRenderer(t), ReloadOptions{
		ConfigPath:    path,
		Executable:    exe,
		ReloadCommand: "-f {config_path}",
	})
	out, err := m.Write(sample())
	var re *ReloadError
	if !errors.As(err, &re) {
		t.Fatalf("expect ReloadError, got %v", err)
	}
	if !strings.Contains(re.Output, "boom") {
		t.Fatalf("expect captured output, got %q", re.Output)
	}
	if !out.Written || out.Reloaded {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("config must stay written after a failed reload")
	}
	// No immediate retry: unchanged state stays a no-op.
	again, err := m.Write(sample())
	if err != nil || again.Written {
		t.Fatalf("expect no-op, got %+v %v", again, err)
	}
	if m.Pending() {
		t.Fatal("failed reload must not stay pending")
	}
}

func TestMissingPIDFile(t *testing.T) {
	dir := t.TempDir()
	exe, argLog := fakeProxy(t, dir, 0)
	m, _ := NewReloadManager(newRenderer(t), ReloadOptions{
		ConfigPath:    filepath.Join(dir, "haproxy.cfg"),
		Executable:    exe,
		ReloadCommand: "-f {config_path} -sf {pid}",
		PIDPath:       filepath.Join(dir, "missing.pid"),
	})
	_, err := m.Write(sample())
	if !errors.Is(err, ErrPIDFile) {
		t.Fatalf("expect ErrPIDFile, got %v", err)
	}
	if len(reloads(t, argLog)) != 0 {
		t.Fatal("proxy must not run without a pid")
	}
}

func TestReloadRateLimit(t *testing.T) {
	dir := t.TempDir()
	exe, argLog := fakeProxy(t, dir, 0)
	now := time.Unix(1000, 0)
	m, _ := NewReloadManager(newRenderer(t), ReloadOptions{
		ConfigPath:    filepath.Join(dir, "haproxy.cfg"),
		Executable:    exe,
		ReloadCommand: "-f {config_path}",
		Interval:      10 * time.Second,
		Burst:         1,
	}, WithClock(func() time.Time { return now }))

	if out, err := m.Write(sample()); err != nil || !out.Reloaded {
		t.Fatalf("first reload: %+v %v", out, err)
	}
	now = now.Add(2 * time.Second)
	changed := sample()
	changed["users"] = append(changed["users"], ep("users", "10.0.0.2", 5000, "http"))
	out, err := m.Write(changed)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Written || out.Reloaded || !m.Pending() {
		t.Fatalf("expect deferred reload, got %+v pending=%v", out, m.Pending())
	}
	if out.RetryAfter < 7900*time.Millisecond || out.RetryAfter > 8100*time.Millisecond {
		t.Fatalf("expect ~8s retry, got %v", out.RetryAfter)
	}

	now = now.Add(out.RetryAfter + time.Millisecond)
	out, err = m.RetryReload()
	if err != nil || !out.Reloaded || m.Pending() {
		t.Fatalf("expect retried reload, got %+v %v", out, err)
	}
	if n := len(reloads(t, argLog)); n != 2 {
		t.Fatalf("expect 2 reloads, got %d", n)
	}
	if out, _ := m.RetryReload(); out.Reloaded {
		t.Fatal("nothing pending, nothing to reload")
	}
}

func TestStoreSkipsRewriteAfterRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haproxy.cfg")
	store := &memStore{}
	m, _ := NewReloadManager(newRenderer(t), ReloadOptions{ConfigPath: path}, WithStore(store))
	first, _ := m.Write(sample())
	if store.fp != first.Fingerprint || store.saves != 1 {
		t.Fatalf("fingerprint not persisted: %+v", store)
	}

	restarted, err := NewReloadManager(newRenderer(t), ReloadOptions{ConfigPath: path}, WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	out, _ := restarted.Write(sample())
	if out.Written {
		t.Fatal("restart with identical state must not rewrite")
	}

	// A stored fingerprint without the file on disk is ignored.
	os.Remove(path)
	fresh, _ := NewReloadManager(newRenderer(t), ReloadOptions{ConfigPath: path}, WithStore(store))
	if out, _ := fresh.Write(sample()); !out.Written {
		t.Fatal("missing config file must be rewritten")
	}
}
