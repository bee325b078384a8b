package haproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"bakerstreet/internal/registry"
	"bakerstreet/internal/telemetry"
)

var ErrPIDFile = errors.New("haproxy: cannot read pid file")

// ReloadError reports a failed reload. The configuration it was meant to
// apply is already on disk.
type ReloadError struct {
	Command string
	Output  string
	Err     error
}

func (e *ReloadError) Error() string {
	msg := fmt.Sprintf("reload %q: %v", e.Command, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Store persists the last applied fingerprint across restarts.
type Store interface {
	Load() (string, time.Time, error)
	Save(fingerprint string, at time.Time) error
}

type ReloadOptions struct {
	ConfigPath    string
	Executable    string
	ReloadCommand string
	PIDPath       string
	RunDir        string
	Timeout       time.Duration
	// At most Burst reloads, refilled one per Interval.
	Interval time.Duration
	Burst    int
}

// Outcome describes what one Write or RetryReload did.
type Outcome struct {
	Changed     bool
	Written     bool
	Reloaded    bool
	Fingerprint string
	// RetryAfter is set when the reload was deferred by the rate limit.
	RetryAfter time.Duration
}

// ReloadManager owns the config file and the last applied fingerprint.
// It is driven from a single loop and is not safe for concurrent use.
type ReloadManager struct {
	renderer *Renderer
	opts     ReloadOptions
	store    Store
	logger   hclog.Logger
	metrics  *telemetry.Telemetry
	limiter  *rate.Limiter
	now      func() time.Time

	lastApplied string
	lastWrite   time.Time
	pending     bool
}

type ManagerOption func(*ReloadManager)

func WithStore(s Store) ManagerOption { return func(m *ReloadManager) { m.store = s } }

func WithLogger(l hclog.Logger) ManagerOption { return func(m *ReloadManager) { m.logger = l } }

func WithTelemetry(t *telemetry.Telemetry) ManagerOption {
	return func(m *ReloadManager) { m.metrics = t }
}

// WithClock makes the rate limit follow the caller's clock.
func WithClock(now func() time.Time) ManagerOption { return func(m *ReloadManager) { m.now = now } }

func NewReloadManager(r *Renderer, opts ReloadOptions, options ...ManagerOption) (*ReloadManager, error) {
	if opts.ConfigPath == "" {
		return nil, errors.New("haproxy: config path is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	m := &ReloadManager{renderer: r, opts: opts, logger: hclog.NewNullLogger(), now: time.Now}
	for _, o := range options {
		o(m)
	}
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	m.limiter = rate.NewLimiter(limit, opts.Burst)

	if m.store != nil {
		fp, at, err := m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load applied state: %w", err)
		}
		// Only trust the stored fingerprint while the file it describes exists.
		if _, statErr := os.Stat(opts.ConfigPath); fp != "" && statErr == nil {
			m.lastApplied, m.lastWrite = fp, at
			m.logger.Info("resuming from applied config", "fingerprint", fp, "applied_at", at)
		}
	}
	return m, nil
}

func (m *ReloadManager) reloadConfigured() bool {
	return m.opts.Executable != "" && m.opts.ReloadCommand != ""
}

// Write renders s and applies it. Rendering identical to the last applied
// configuration touches neither the filesystem nor the proxy.
func (m *ReloadManager) Write(s registry.Services) (Outcome, error) {
	rendered, err := m.renderer.Render(s)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Fingerprint: rendered.Hex()}
	if out.Fingerprint == m.lastApplied {
		m.logger.Debug("config unchanged", "fingerprint", out.Fingerprint)
		return out, nil
	}

	if err := writeAtomic(m.opts.ConfigPath, []byte(rendered.Text)); err != nil {
		m.metrics.Incr("config", "write_failed")
		return out, fmt.Errorf("write %s: %w", m.opts.ConfigPath, err)
	}
	out.Changed, out.Written = true, true
	m.lastApplied = out.Fingerprint
	m.lastWrite = m.now()
	m.metrics.Incr("config", "writes")
	m.metrics.Gauge(float32(len(rendered.Backends)), "config", "backends")
	m.logger.Info("config written", "path", m.opts.ConfigPath, "fingerprint", out.Fingerprint, "backends", rendered.Backends)
	if m.store != nil {
		if err := m.store.Save(m.lastApplied, m.lastWrite); err != nil {
			m.logger.Warn("cannot persist applied fingerprint", "error", err)
		}
	}

	if !m.reloadConfigured() {
		return out, nil
	}
	m.pending = true
	return m.reload(out)
}

// RetryReload runs a reload that was deferred by the rate limit. It does
// nothing when no reload is pending.
func (m *ReloadManager) RetryReload() (Outcome, error) {
	out := Outcome{Fingerprint: m.lastApplied}
	if !m.pending {
		return out, nil
	}
	return m.reload(out)
}

func (m *ReloadManager) reload(out Outcome) (Outcome, error) {
	now := m.now()
	res := m.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
		res.CancelAt(now)
		if !res.OK() {
			delay = m.opts.Interval
		}
		out.RetryAfter = delay
		m.metrics.Incr("reload", "deferred")
		m.logger.Info("reload deferred", "retry_after", delay)
		return out, nil
	}

	// Failed reloads are not retried here; the next config change triggers one.
	m.pending = false
	if err := m.execReload(); err != nil {
		m.metrics.Incr("reload", "failed")
		m.logger.Error("reload failed", "error", err)
		return out, err
	}
	out.Reloaded = true
	m.metrics.Incr("reload", "ok")
	m.logger.Info("proxy reloaded", "fingerprint", out.Fingerprint)
	return out, nil
}

func (m *ReloadManager) execReload() error {
	args, err := m.reloadArgs()
	if err != nil {
		return &ReloadError{Command: m.opts.ReloadCommand, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, m.opts.Executable, args...)
	cmd.Dir = m.opts.RunDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ReloadError{
			Command: m.opts.Executable + " " + strings.Join(args, " "),
			Output:  strings.TrimSpace(string(output)),
			Err:     err,
		}
	}
	return nil
}

// reloadArgs fills {config_path}, {pid_path}, {run_dir} and {pid}. A
// standalone {pid} argument expands to one argument per PID.
func (m *ReloadManager) reloadArgs() ([]string, error) {
	fields := strings.Fields(m.opts.ReloadCommand)
	var pids []string
	if strings.Contains(m.opts.ReloadCommand, "{pid}") {
		b, err := os.ReadFile(m.opts.PIDPath)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrPIDFile, m.opts.PIDPath, err)
		}
		pids = strings.Fields(string(b))
		if len(pids) == 0 {
			return nil, fmt.Errorf("%w %q: empty", ErrPIDFile, m.opts.PIDPath)
		}
	}
	repl := strings.NewReplacer(
		"{config_path}", m.opts.ConfigPath,
		"{pid_path}", m.opts.PIDPath,
		"{run_dir}", m.opts.RunDir,
		"{pid}", strings.Join(pids, " "),
	)
	args := make([]string, 0, len(fields)+len(pids))
	for _, f := range fields {
		if f == "{pid}" {
			args = append(args, pids...)
			continue
		}
		args = append(args, repl.Replace(f))
	}
	return args, nil
}

func (m *ReloadManager) LastApplied() string { return m.lastApplied }

func (m *ReloadManager) LastWrite() time.Time { return m.lastWrite }

// Pending reports whether a written config still waits for its reload.
func (m *ReloadManager) Pending() bool { return m.pending }

// writeAtomic replaces path so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	return os.Rename(name, path)
}
