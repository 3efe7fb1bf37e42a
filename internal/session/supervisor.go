// Package session supervises stream sessions: one relay process group per
// stream key, verified healthy after spawn and torn down as a unit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"stream-supervisor/internal/platform/metrics"
	"stream-supervisor/internal/process"
	"stream-supervisor/internal/routing"
	"stream-supervisor/internal/stats"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHealthWindow is how long a new process must stay up before the
	// start is considered successful.
	DefaultHealthWindow = 500 * time.Millisecond
	// DefaultGracePeriod is how long a process gets to exit after SIGTERM.
	DefaultGracePeriod = 5 * time.Second
	// DefaultReapInterval is how often the reaper looks for dead sessions.
	DefaultReapInterval = time.Second
)

// Backend is the part of the routing backend client the supervisor uses.
type Backend interface {
	RegisterPath(ctx context.Context, name, source string) error
	GetPath(ctx context.Context, name string) (*routing.PathInfo, error)
	ListPaths(ctx context.Context) ([]routing.PathInfo, error)
	HealthCheck(ctx context.Context) error
}

// Config holds the supervisor's timing and addressing settings.
type Config struct {
	// Namespace prefixes backend path names.
	Namespace string

	// Public base URLs used to build session endpoints. HLS and WebRTC are
	// optional.
	PublicRTSPURL   string
	PublicHLSURL    string
	PublicWebRTCURL string

	// HealthWindow is how long new processes must stay alive to count as started.
	HealthWindow time.Duration
	// PollInterval is the liveness poll period during the health window.
	PollInterval time.Duration
	// ReadyPattern, when set, ends the health window early once a process
	// writes a matching line.
	ReadyPattern *regexp.Regexp
	// GracePeriod is how long each process gets to exit after SIGTERM.
	GracePeriod time.Duration
	// ReapInterval is how often running sessions are checked for dead processes.
	ReapInterval time.Duration

	// OutputLimit caps captured stderr per process.
	OutputLimit int
	// AllowedSchemes restricts network sources. Empty means DefaultSchemes.
	AllowedSchemes []string
}

func (c *Config) withDefaults() {
	if c.HealthWindow <= 0 {
		c.HealthWindow = DefaultHealthWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = process.DefaultPollInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = process.DefaultOutputLimit
	}
	if len(c.AllowedSchemes) == 0 {
		c.AllowedSchemes = DefaultSchemes
	}
}

// Supervisor owns every session's processes. The registry lock is held only
// for bookkeeping; spawning, health observation and termination run outside it.
type Supervisor struct {
	cfg     Config
	reg     Registry
	planner Planner
	backend Backend
	log     *slog.Logger
	metrics *metrics.Metrics

	spawn func([]string, process.Options) (*process.Handle, error)
	now   func() time.Time
}

// NewSupervisor returns a Supervisor. A nil logger or metrics gets a default.
func NewSupervisor(cfg Config, reg Registry, planner Planner, backend Backend, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Supervisor{
		cfg:     cfg,
		reg:     reg,
		planner: planner,
		backend: backend,
		log:     log,
		metrics: m,
		spawn:   process.Spawn,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StartSession starts the processes for key and waits out the health window.
// On failure every spawned process is terminated, the record is removed and
// a *SpawnFailure carrying the process's diagnostic output is returned.
func (s *Supervisor) StartSession(ctx context.Context, key StreamKey, params Params) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	src, err := params.Resolve(s.cfg.AllowedSchemes)
	if err != nil {
		return nil, err
	}
	specs, err := s.planner.Plan(Request{Key: key, Params: params, Source: src})
	if err != nil {
		return nil, fmt.Errorf("plan session %s: %w", key, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("plan session %s: no processes", key)
	}

	// The registry owns the record once inserted; only id and started are
	// used afterwards.
	id, started := uuid.NewString(), newLatch()
	if err := s.reg.Insert(&Record{
		ID:        id,
		Key:       key,
		Params:    params,
		State:     StateStarting,
		CreatedAt: s.now(),
		Endpoints: s.endpoints(key),
		started:   started,
		stopped:   newLatch(),
	}); err != nil {
		return nil, err
	}
	log := s.log.With(slog.String("key", string(key)), slog.String("session_id", id))
	defer started.release()

	procs, err := s.spawnAll(key, specs)
	if err != nil {
		return nil, s.abortStart(key, id, procs, err, log)
	}
	if _, err := s.reg.Update(key, func(r *Record) error {
		r.Processes = procs
		return nil
	}); err != nil {
		return nil, s.abortStart(key, id, procs, err, log)
	}

	if err := s.observeAll(ctx, key, procs); err != nil {
		return nil, s.abortStart(key, id, procs, err, log)
	}

	running, err := s.reg.Update(key, func(r *Record) error {
		if r.ID != id {
			return errStale
		}
		r.State = StateRunning
		r.StartedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, s.abortStart(key, id, procs, err, log)
	}

	s.metrics.IncSessionsStarted()
	s.metrics.SetActiveSessions(s.reg.ActiveCount())
	log.Info("session started",
		slog.Int("processes", len(procs)),
		slog.Int("pid", procs[0].Handle.PID()),
		slog.String("rtsp", running.Endpoints.RTSP),
	)
	sess := s.snapshot(running)
	return &sess, nil
}

func (s *Supervisor) spawnAll(key StreamKey, specs []ProcessSpec) ([]Process, error) {
	procs := make([]Process, 0, len(specs))
	for _, spec := range specs {
		h, err := s.spawn(spec.Command, process.Options{OutputLimit: s.cfg.OutputLimit})
		if err != nil {
			return procs, &SpawnFailure{Key: key, Role: spec.Role, Reason: err.Error(), Err: err}
		}
		procs = append(procs, Process{Role: spec.Role, Handle: h})
	}
	return procs, nil
}

// observeAll runs the health protocol on every handle in parallel. The first
// failure cancels the others.
func (s *Supervisor) observeAll(ctx context.Context, key StreamKey, procs []Process) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		g.Go(func() error {
			err := p.Handle.Observe(gctx, s.cfg.HealthWindow, s.cfg.PollInterval, s.cfg.ReadyPattern)
			var exitErr *process.ExitError
			if errors.As(err, &exitErr) {
				return &SpawnFailure{Key: key, Role: p.Role, Reason: exitErr.Reason(), Err: err}
			}
			return err
		})
	}
	return g.Wait()
}

// abortStart tears down a failed start and returns cause.
func (s *Supervisor) abortStart(key StreamKey, id string, procs []Process, cause error, log *slog.Logger) error {
	if err := s.terminateAll(procs, log); err != nil {
		log.Error("teardown after failed start", slog.Any("error", err))
	}

	reason := cause.Error()
	var sf *SpawnFailure
	if errors.As(cause, &sf) {
		reason = sf.Reason
	}
	_, _ = s.reg.Update(key, func(r *Record) error {
		if r.ID != id {
			return errStale
		}
		r.State = StateFailed
		r.LastError = reason
		return nil
	})
	if err := s.reg.Remove(key, id); err != nil && !errors.Is(err, ErrNotFound) {
		log.Error("remove failed session", slog.Any("error", err))
	}

	s.metrics.IncSpawnFailures()
	log.Warn("session start failed", slog.String("reason", reason))
	return cause
}

// terminateAll terminates every handle concurrently, launched in reverse
// spawn order. A grace-period overrun is logged and counts as success.
func (s *Supervisor) terminateAll(procs []Process, log *slog.Logger) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Handle.Terminate(s.cfg.GracePeriod)
			switch {
			case err == nil:
			case errors.Is(err, process.ErrTerminationTimeout):
				s.metrics.IncTerminationKills()
				log.Warn("process ignored SIGTERM and was killed",
					slog.String("role", string(p.Role)),
					slog.Int("pid", p.Handle.PID()),
				)
			default:
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s process %d: %w", p.Role, p.Handle.PID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopSession terminates every process of the session for key and removes
// it. A stop that races an in-flight start or stop waits for it first; a
// second stop of the same session sees ErrNotFound.
func (s *Supervisor) StopSession(ctx context.Context, key StreamKey) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var rec Record
	for {
		cur, err := s.reg.Get(key)
		if err != nil {
			return nil, err
		}

		var wait <-chan struct{}
		switch cur.State {
		case StateStarting:
			wait = cur.started.wait()
		case StateStopping:
			wait = cur.stopped.wait()
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err = s.reg.Update(key, func(r *Record) error {
			if r.ID != cur.ID || r.State != cur.State {
				return errStale
			}
			r.State = StateStopping
			r.stopped = newLatch()
			return nil
		})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	defer rec.stopped.release()

	log := s.log.With(slog.String("key", string(key)), slog.String("session_id", rec.ID))
	if err := s.terminateAll(rec.Processes, log); err != nil {
		_, _ = s.reg.Update(key, func(r *Record) error {
			r.State = StateFailed
			r.LastError = err.Error()
			return nil
		})
		log.Error("session stop failed", slog.Any("error", err))
		return nil, fmt.Errorf("stop session %s: %w", key, err)
	}

	stopped, err := s.reg.Update(key, func(r *Record) error {
		r.State = StateStopped
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.reg.Remove(key, rec.ID); err != nil {
		return nil, err
	}

	s.metrics.IncSessionsStopped()
	s.metrics.SetActiveSessions(s.reg.ActiveCount())
	log.Info("session stopped")
	sess := s.snapshot(stopped)
	return &sess, nil
}

// SessionStatus reports the session for key with fresh liveness polls.
func (s *Supervisor) SessionStatus(key StreamKey) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.reg.Get(key)
	if err != nil {
		return nil, err
	}
	sess := s.snapshot(rec)
	return &sess, nil
}

// ListActiveSessions reports every starting or running session, sorted by key.
func (s *Supervisor) ListActiveSessions() []Session {
	recs := s.reg.ListActive()
	out := make([]Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.snapshot(rec))
	}
	return out
}

// SessionLogs returns up to lines trailing lines of captured output for
// every process of the session. lines <= 0 returns everything retained.
func (s *Supervisor) SessionLogs(key StreamKey, lines int) ([]ProcessLog, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.reg.Get(key)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessLog, 0, len(rec.Processes))
	for _, p := range rec.Processes {
		l := process.LastLines(p.Handle.Output(), lines)
		if l == nil {
			l = []string{}
		}
		out = append(out, ProcessLog{
			Role:      p.Role,
			PID:       p.Handle.PID(),
			Lines:     l,
			Truncated: p.Handle.OutputTruncated(),
		})
	}
	return out, nil
}

// snapshot builds the caller view of rec. A running record whose primary
// process has exited is reported as failed.
func (s *Supervisor) snapshot(rec Record) Session {
	sess := Session{
		ID:        rec.ID,
		Key:       rec.Key,
		State:     rec.State,
		Source:    rec.Params.Source,
		LastError: rec.LastError,
		Endpoints: rec.Endpoints,
		Processes: make([]ProcessStatus, 0, len(rec.Processes)),
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		sess.StartedAt = &t
	}
	for _, p := range rec.Processes {
		ps := ProcessStatus{
			Role:      p.Role,
			PID:       p.Handle.PID(),
			Alive:     p.Handle.IsAlive(),
			StartedAt: p.Handle.StartedAt(),
			Command:   p.Handle.Command(),
		}
		if code, ok := p.Handle.ExitCode(); ok {
			ps.ExitCode = &code
		}
		sess.Processes = append(sess.Processes, ps)
	}
	if rec.State == StateRunning {
		if h := rec.primary(); h != nil && !h.IsAlive() {
			sess.State = StateFailed
			if sess.LastError == "" {
				sess.LastError = exitReason(h)
			}
		}
	}
	return sess
}

func exitReason(h *process.Handle) string {
	if e := h.Exit(); e != nil {
		return e.Error()
	}
	return ""
}

func (s *Supervisor) endpoints(key StreamKey) Endpoints {
	path := key.PathName(s.cfg.Namespace)
	join := func(base string) string {
		if base == "" {
			return ""
		}
		return strings.TrimRight(base, "/") + "/" + path
	}
	ep := Endpoints{
		RTSP:   join(s.cfg.PublicRTSPURL),
		WebRTC: join(s.cfg.PublicWebRTCURL),
	}
	if hls := join(s.cfg.PublicHLSURL); hls != "" {
		ep.HLS = hls + "/index.m3u8"
	}
	return ep
}

// Reap marks running sessions whose primary process has exited as failed and
// terminates whatever is left of their process groups. It returns the number
// of sessions marked.
func (s *Supervisor) Reap() int {
	n := 0
	for _, rec := range s.reg.ListActive() {
		if rec.State != StateRunning {
			continue
		}
		h := rec.primary()
		if h == nil || h.IsAlive() {
			continue
		}
		reason := exitReason(h)
		failed, err := s.reg.Update(rec.Key, func(r *Record) error {
			if r.ID != rec.ID || r.State != StateRunning {
				return errStale
			}
			r.State = StateFailed
			r.LastError = reason
			return nil
		})
		if err != nil {
			continue
		}

		log := s.log.With(slog.String("key", string(rec.Key)), slog.String("session_id", rec.ID))
		log.Warn("session process exited", slog.String("reason", reason))
		s.metrics.IncSessionsDied()
		if err := s.terminateAll(failed.Processes, log); err != nil {
			log.Error("teardown of failed session", slog.Any("error", err))
		}
		n++
	}
	if n > 0 {
		s.metrics.SetActiveSessions(s.reg.ActiveCount())
	}
	return n
}

// Shutdown stops every session still in the registry.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, rec := range s.reg.List() {
		g.Go(func() error {
			_, err := s.StopSession(ctx, rec.Key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// ActiveCount returns the number of starting and running sessions.
func (s *Supervisor) ActiveCount() int {
	return s.reg.ActiveCount()
}

// RegisterStream registers an on-demand pull path for key in the routing
// backend. No local process is started and the registry is not touched.
func (s *Supervisor) RegisterStream(ctx context.Context, key StreamKey, source string) (*Registration, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	src, err := ResolveSource(source, s.cfg.AllowedSchemes)
	if err != nil {
		return nil, err
	}
	if src.Kind != SourceNetwork {
		return nil, &ValidationError{Field: "source", Reason: "backend paths need a network source"}
	}

	name := key.PathName(s.cfg.Namespace)
	if err := s.backend.RegisterPath(ctx, name, source); err != nil {
		return nil, err
	}
	s.log.Info("backend path registered", slog.String("key", string(key)), slog.String("path", name))
	return &Registration{Key: key, Path: name, Source: source, Endpoints: s.endpoints(key)}, nil
}

// GetAggregatedStats fetches and normalizes the backend path for key.
func (s *Supervisor) GetAggregatedStats(ctx context.Context, key StreamKey) (*stats.PathStats, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	info, err := s.backend.GetPath(ctx, key.PathName(s.cfg.Namespace))
	if err != nil {
		return nil, err
	}
	st := stats.Aggregate(*info, s.now())
	return &st, nil
}

// ListAggregatedStats fetches and normalizes every backend path.
func (s *Supervisor) ListAggregatedStats(ctx context.Context) ([]stats.PathStats, error) {
	infos, err := s.backend.ListPaths(ctx)
	if err != nil {
		return nil, err
	}
	return stats.AggregateAll(infos, s.now()), nil
}

// HealthCheck reports whether the routing backend is reachable.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

// Reaper returns a suture service that runs Reap every ReapInterval.
func (s *Supervisor) Reaper() *Reaper {
	return &Reaper{sup: s}
}

// Reaper periodically reaps dead sessions.
type Reaper struct {
	sup *Supervisor
}

// Serve reaps on every tick until ctx ends.
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.sup.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sup.Reap()
		}
	}
}

func (r *Reaper) String() string { return "session-reaper" }
