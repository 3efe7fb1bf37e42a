// Package routing talks to the media routing backend (MediaMTX control API):
// it registers named paths, fetches path information and reports whether the
// backend is reachable.
package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stream-supervisor/internal/platform/metrics"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	// DefaultTimeout bounds every backend request.
	DefaultTimeout = 5 * time.Second

	maxBodyBytes      = 4 << 20
	maxErrorBodyBytes = 512
	breakerName       = "routing-backend"
)

var (
	// ErrUnavailable is returned when the backend cannot be reached, or the
	// circuit breaker is refusing calls after repeated failures.
	ErrUnavailable = errors.New("routing backend unavailable")

	// ErrPathNotFound matches a BackendError for a path the backend does not know.
	ErrPathNotFound = errors.New("path not found")
)

// BackendError is a non-2xx answer from the backend.
type BackendError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("routing backend %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("routing backend %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is makes a 404 match ErrPathNotFound.
func (e *BackendError) Is(target error) bool {
	return target == ErrPathNotFound && e.StatusCode == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	// BaseURL is the control API root, e.g. http://localhost:9997/v3.
	BaseURL string
	// InternalHost replaces loopback hosts in registered sources.
	InternalHost string
	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit. Zero means 5.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open. Zero means 30s.
	BreakerCooldown time.Duration
}

// Client is a synchronous client for the routing backend.
type Client struct {
	base         string
	internalHost string
	http         *http.Client
	cb           *gobreaker.CircuitBreaker[[]byte]
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// NewClient returns a Client for cfg. Metrics may be nil.
func NewClient(cfg Config, log *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	c := &Client{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		internalHost: cfg.InternalHost,
		http:         &http.Client{Timeout: timeout},
		log:          log,
		metrics:      m,
	}

	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors and callers giving up say nothing about backend health.
		IsSuccessful: func(err error) bool {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var be *BackendError
			if errors.As(err, &be) {
				return be.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if m != nil {
				m.SetBreakerState(float64(to))
			}
		},
	})

	return c
}

// RegisterPath adds a path named name whose source is pulled on demand.
// A loopback source host is rewritten to the backend's internal host first.
func (c *Client) RegisterPath(ctx context.Context, name, source string) error {
	body := addPathRequest{
		Source:         RewriteSource(source, c.internalHost),
		SourceOnDemand: true,
	}
	_, err := c.do(ctx, "register", http.MethodPost, "/config/paths/add/"+escapePath(name), body)
	return err
}

// GetPath fetches a single path. A path the backend does not know yields an
// error matching ErrPathNotFound.
func (c *Client) GetPath(ctx context.Context, name string) (*PathInfo, error) {
	data, err := c.do(ctx, "get", http.MethodGet, "/paths/get/"+escapePath(name), nil)
	if err != nil {
		return nil, err
	}
	var info PathInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode path %s: %w", name, err)
	}
	return &info, nil
}

// ListPaths fetches every path, following pagination.
func (c *Client) ListPaths(ctx context.Context) ([]PathInfo, error) {
	var items []PathInfo
	for page := 0; ; page++ {
		data, err := c.do(ctx, "list", http.MethodGet, "/paths/list?page="+strconv.Itoa(page), nil)
		if err != nil {
			return nil, err
		}
		var list pathList
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode path list: %w", err)
		}
		items = append(items, list.Items...)
		if page+1 >= list.PageCount {
			break
		}
	}
	if items == nil {
		items = []PathInfo{}
	}
	return items, nil
}

// HealthCheck reports whether the backend answers its API. Any failure is
// returned wrapped in ErrUnavailable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.do(ctx, "health", http.MethodGet, "/paths/list?itemsPerPage=1", nil); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	data, err := c.cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, op, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.observe(op, err)
	return data, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s request: %w", op, ctxErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("read %s response: %w", op, ctxErr)
		}
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(data))
		if len(text) > maxErrorBodyBytes {
			text = text[:maxErrorBodyBytes]
		}
		c.log.Debug("routing backend error",
			slog.String("op", op),
			slog.String("url", req.URL.String()),
			slog.Int("status", resp.StatusCode),
			slog.String("body", text))
		return nil, &BackendError{Op: op, StatusCode: resp.StatusCode, Body: text}
	}
	return data, nil
}

func (c *Client) observe(op string, err error) {
	if c.metrics == nil {
		return
	}
	result := "success"
	var be *BackendError
	switch {
	case err == nil:
	case errors.As(err, &be):
		result = "status_" + strconv.Itoa(be.StatusCode)
	case errors.Is(err, ErrUnavailable):
		result = "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	default:
		result = "error"
	}
	c.metrics.IncBackendRequest(op, result)
}

// escapePath escapes each segment of a slash-separated path name.
func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
