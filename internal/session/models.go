package session

import (
	"regexp"
	"sync"
	"time"

	"stream-supervisor/internal/process"
)

const maxKeyLength = 64

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StreamKey names a logical stream. It ends up in process arguments, backend
// path names and URLs, so only letters, digits, dash and underscore are allowed.
type StreamKey string

// Validate reports whether k is usable.
func (k StreamKey) Validate() error {
	switch {
	case k == "":
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	case len(k) > maxKeyLength:
		return &ValidationError{Field: "key", Reason: "must be at most 64 characters"}
	case !keyPattern.MatchString(string(k)):
		return &ValidationError{Field: "key", Reason: "may only contain letters, digits, '-' and '_'"}
	}
	return nil
}

// PathName returns the routing backend path for k: "<namespace>/<key>", or
// just the key when namespace is empty.
func (k StreamKey) PathName(namespace string) string {
	if namespace == "" {
		return string(k)
	}
	return namespace + "/" + string(k)
}

// State is the lifecycle state of a session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Active reports whether s counts as an active session.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}

// Terminal reports whether a record in state s may be removed or replaced.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Role tells the processes of one session apart.
type Role string

const (
	// RolePrimary is the relay process that feeds the routing backend.
	RolePrimary Role = "primary"
	// RoleCompat is an optional cooperating process started next to the primary.
	RoleCompat Role = "compat"
)

// Process is one owned process of a session.
type Process struct {
	Role   Role
	Handle *process.Handle
}

// Endpoints are the externally reachable URLs of a session.
type Endpoints struct {
	RTSP   string `json:"rtsp"`
	HLS    string `json:"hls,omitempty"`
	WebRTC string `json:"webrtc,omitempty"`
}

// latch is a close-once broadcast shared by all copies of a record.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch { return &latch{ch: make(chan struct{})} }

func (l *latch) release() { l.once.Do(func() { close(l.ch) }) }

func (l *latch) wait() <-chan struct{} { return l.ch }

// Record is the registry's entry for one session attempt.
type Record struct {
	ID        string
	Key       StreamKey
	Params    Params
	Processes []Process
	State     State
	CreatedAt time.Time
	StartedAt time.Time
	LastError string
	Endpoints Endpoints

	// started is released when the starting state resolves.
	started *latch
	// stopped is replaced on every entry into stopping and released when
	// that teardown finishes.
	stopped *latch
}

// clone returns a copy that shares handles but not the process slice.
func (r *Record) clone() Record {
	c := *r
	c.Processes = append([]Process(nil), r.Processes...)
	return c
}

// primary returns the primary process handle, or nil before it is spawned.
func (r *Record) primary() *process.Handle {
	for _, p := range r.Processes {
		if p.Role == RolePrimary {
			return p.Handle
		}
	}
	return nil
}

// Session is the caller-facing view of a record, with liveness polled fresh.
type Session struct {
	ID        string          `json:"id"`
	Key       StreamKey       `json:"key"`
	State     State           `json:"state"`
	Source    string          `json:"source"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Endpoints Endpoints       `json:"endpoints"`
	Processes []ProcessStatus `json:"processes"`
}

// ProcessStatus describes one owned process.
type ProcessStatus struct {
	Role      Role      `json:"role"`
	PID       int       `json:"pid"`
	Alive     bool      `json:"alive"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Command   []string  `json:"command"`
}

// ProcessLog is the captured diagnostic tail of one process.
type ProcessLog struct {
	Role      Role     `json:"role"`
	PID       int      `json:"pid"`
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated"`
}

// Registration is the result of registering a pull path in the backend.
type Registration struct {
	Key       StreamKey `json:"key"`
	Path      string    `json:"path"`
	Source    string    `json:"source"`
	Endpoints Endpoints `json:"endpoints"`
}
