package process

import (
	"context"
	"regexp"
	"time"
)

// DefaultPollInterval is used by Observe when no poll interval is given.
const DefaultPollInterval = 50 * time.Millisecond

// Observe watches a freshly spawned process for the health window. It returns
// nil once the window elapses with the process alive, or earlier when ready is
// non-nil and matches the captured output. It returns an *ExitError carrying
// the diagnostic output if the process exits first, and ctx.Err() if ctx ends.
func (h *Handle) Observe(ctx context.Context, window, poll time.Duration, ready *regexp.Regexp) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if ready != nil && h.IsAlive() && ready.MatchString(h.output.String()) {
			return nil
		}

		select {
		case <-h.done:
			return h.Exit()
		case <-deadline.C:
			if !h.IsAlive() {
				return h.Exit()
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
