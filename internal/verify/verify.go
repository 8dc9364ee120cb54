package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/schaermu/pushdeploy/internal/remote"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 10 * time.Second
)

// Probe checks one endpoint or remote command after the restart phase.
// Exactly one of URL and Command is set.
type Probe struct {
	Name string
	// URL is fetched with GET from the machine running the deployment.
	URL string
	// Command runs on the target host; exit 0 passes.
	Command string
	// ExpectStatus is the required HTTP status. Zero accepts any status
	// below 400.
	ExpectStatus int
	// Retries is the number of attempts after the first one.
	Retries  int
	Interval time.Duration
	Timeout  time.Duration
}

// VerificationWarning reports a probe that never passed
type VerificationWarning struct {
	Probe    string
	Attempts int
	Detail   string
}

func (w VerificationWarning) String() string {
	return fmt.Sprintf("probe %s failed after %d attempt(s): %s", w.Probe, w.Attempts, w.Detail)
}

// Runner executes probes sequentially
type Runner struct {
	session remote.Session
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner; session serves command probes and may be nil
// when none are configured
func NewRunner(session remote.Session, logger *slog.Logger) *Runner {
	return &Runner{
		session: session,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Run executes every probe and returns a warning for each one that failed
func (r *Runner) Run(ctx context.Context, probes []Probe) []VerificationWarning {
	var warnings []VerificationWarning
	for _, p := range probes {
		var w *VerificationWarning
		switch {
		case p.URL != "":
			w = r.probeURL(ctx, p)
		case p.Command != "":
			w = r.probeCommand(ctx, p)
		default:
			w = &VerificationWarning{Probe: p.Name, Detail: "probe has neither url nor command"}
		}

		if w != nil {
			r.logger.Warn("verification probe failed", "probe", p.Name, "attempts", w.Attempts, "detail", w.Detail)
			warnings = append(warnings, *w)
			continue
		}
		r.logger.Info("verification probe passed", "probe", p.Name)
	}
	return warnings
}

func (r *Runner) httpClient(p Probe) *retryablehttp.Client {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := retryablehttp.NewClient()
	client.Logger = r.logger
	client.RetryMax = p.Retries
	client.HTTPClient.Timeout = timeout
	client.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return interval
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return !statusAccepted(p, resp.StatusCode), nil
	}
	// Hand back the last response instead of a generic "giving up" error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func (r *Runner) probeURL(ctx context.Context, p Probe) *VerificationWarning {
	attempts := p.Retries + 1

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return &VerificationWarning{Probe: p.Name, Detail: err.Error()}
	}

	resp, err := r.httpClient(p).Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return &VerificationWarning{Probe: p.Name, Attempts: attempts, Detail: err.Error()}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if !statusAccepted(p, resp.StatusCode) {
		return &VerificationWarning{
			Probe:    p.Name,
			Attempts: attempts,
			Detail:   fmt.Sprintf("GET %s returned %s", p.URL, resp.Status),
		}
	}
	return nil
}

func (r *Runner) probeCommand(ctx context.Context, p Probe) *VerificationWarning {
	if r.session == nil {
		return &VerificationWarning{Probe: p.Name, Detail: "no remote session for command probe"}
	}

	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	attempts := p.Retries + 1

	var detail string
	for attempt := 1; attempt <= attempts; attempt++ {
		runCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		res, err := r.session.Run(runCtx, p.Command)
		cancel()

		switch {
		case err == nil && res.Success():
			return nil
		case err != nil:
			detail = err.Error()
			var connErr *remote.ConnectionError
			if errors.As(err, &connErr) || ctx.Err() != nil {
				return &VerificationWarning{Probe: p.Name, Attempts: attempt, Detail: detail}
			}
		default:
			detail = fmt.Sprintf("exit status %d: %s", res.ExitStatus, res.Output())
		}

		if attempt < attempts {
			if err := r.sleep(ctx, interval); err != nil {
				return &VerificationWarning{Probe: p.Name, Attempts: attempt, Detail: err.Error()}
			}
		}
	}
	return &VerificationWarning{Probe: p.Name, Attempts: attempts, Detail: detail}
}

func statusAccepted(p Probe, status int) bool {
	if p.ExpectStatus != 0 {
		return status == p.ExpectStatus
	}
	return status < http.StatusBadRequest
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
