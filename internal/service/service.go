package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/schaermu/pushdeploy/internal/remote"
)

// Descriptor describes one restartable service on the target host
type Descriptor struct {
	Name string
	// Restart is the shell command that restarts the service.
	Restart string
	// Health is an optional command polled after the restart; exit 0 means
	// the service has settled.
	Health string
	// After names services that must restart before this one.
	After          []string
	HealthRetries  int
	HealthInterval time.Duration
	// Timeout bounds each restart and health command. Zero falls back to
	// the session's command timeout.
	Timeout time.Duration
	// Triggers are remote paths whose change requires this service to
	// restart. Empty means any change does.
	Triggers []string
	// Cascade restarts the service whenever one of its predecessors restarts.
	Cascade bool
}

// RestartError reports a service that failed to restart or never became
// healthy
type RestartError struct {
	Service    string
	ExitStatus int
	Output     string
	Err        error
}

func (e *RestartError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("restart %s: %v", e.Service, e.Err)
	case e.Output != "":
		return fmt.Sprintf("restart %s: exit status %d: %s", e.Service, e.ExitStatus, e.Output)
	default:
		return fmt.Sprintf("restart %s: exit status %d", e.Service, e.ExitStatus)
	}
}

func (e *RestartError) Unwrap() error {
	return e.Err
}

// Order returns all services sorted so that every service comes after the
// services named in its After list. Services without constraints between
// them keep their declaration order.
func Order(all []Descriptor) ([]Descriptor, error) {
	index := make(map[string]int, len(all))
	for i, d := range all {
		if _, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", d.Name)
		}
		index[d.Name] = i
	}

	indegree := make([]int, len(all))
	successors := make([][]int, len(all))
	for i, d := range all {
		for _, pred := range d.After {
			j, ok := index[pred]
			if !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", d.Name, pred)
			}
			if j == i {
				return nil, fmt.Errorf("service %q depends on itself", d.Name)
			}
			successors[j] = append(successors[j], i)
			indegree[i]++
		}
	}

	ordered := make([]Descriptor, 0, len(all))
	done := make([]bool, len(all))
	for len(ordered) < len(all) {
		next := -1
		for i := range all {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, d := range all {
				if !done[i] {
					stuck = append(stuck, d.Name)
				}
			}
			return nil, fmt.Errorf("service dependency cycle among %s", strings.Join(stuck, ", "))
		}
		done[next] = true
		ordered = append(ordered, all[next])
		for _, s := range successors[next] {
			indegree[s]--
		}
	}

	return ordered, nil
}

// Affected returns, in order, the services that must restart given the
// remote paths changed by this deployment. A trigger matches a changed path
// when either one contains the other. Services named in pending restart
// regardless of what changed.
func Affected(ordered []Descriptor, changed []string, pending ...string) []Descriptor {
	if len(changed) == 0 && len(pending) == 0 {
		return nil
	}

	restarted := make(map[string]bool)
	var result []Descriptor
	for _, d := range ordered {
		if !slices.Contains(pending, d.Name) && !needsRestart(d, changed, restarted) {
			continue
		}
		restarted[d.Name] = true
		result = append(result, d)
	}
	return result
}

func needsRestart(d Descriptor, changed []string, restarted map[string]bool) bool {
	if d.Cascade {
		for _, pred := range d.After {
			if restarted[pred] {
				return true
			}
		}
	}
	if len(d.Triggers) == 0 {
		return len(changed) > 0
	}
	for _, trigger := range d.Triggers {
		for _, p := range changed {
			if pathOverlaps(trigger, p) {
				return true
			}
		}
	}
	return false
}

func pathOverlaps(a, b string) bool {
	a, b = path.Clean(a), path.Clean(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(b, strings.TrimSuffix(a, "/")+"/") ||
		strings.HasPrefix(a, strings.TrimSuffix(b, "/")+"/")
}

// Names returns the service names in order
func Names(services []Descriptor) []string {
	names := make([]string, len(services))
	for i, d := range services {
		names[i] = d.Name
	}
	return names
}

// Coordinator restarts services one at a time over a remote session
type Coordinator struct {
	session remote.Session
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator using session for every command
func NewCoordinator(session remote.Session, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		session: session,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Restart restarts services strictly in the given order. Each service must
// settle before the next one is touched; the first failure stops the run
// and is returned as a *RestartError. It returns the services restarted
// successfully.
func (c *Coordinator) Restart(ctx context.Context, services []Descriptor) ([]string, error) {
	restarted := make([]string, 0, len(services))
	for _, d := range services {
		c.logger.Info("restarting service", "service", d.Name)
		if err := c.restartOne(ctx, d); err != nil {
			c.logger.Error("service restart failed", "service", d.Name, "error", err)
			return restarted, err
		}
		restarted = append(restarted, d.Name)
		c.logger.Info("service settled", "service", d.Name)
	}
	return restarted, nil
}

func (c *Coordinator) restartOne(ctx context.Context, d Descriptor) error {
	res, err := c.run(ctx, d, d.Restart)
	if err != nil {
		return &RestartError{Service: d.Name, Err: err}
	}
	if !res.Success() {
		return &RestartError{Service: d.Name, ExitStatus: res.ExitStatus, Output: res.Output()}
	}

	if d.Health == "" {
		return nil
	}

	attempts := d.HealthRetries
	if attempts < 1 {
		attempts = 1
	}

	var last *remote.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.run(ctx, d, d.Health)
		if err != nil && !errors.Is(err, remote.ErrCommandTimeout) {
			return &RestartError{Service: d.Name, Err: fmt.Errorf("health check: %w", err)}
		}
		if err == nil && res.Success() {
			return nil
		}
		if res != nil {
			last = res
		}
		c.logger.Debug("health check not passing yet",
			"service", d.Name,
			"attempt", attempt,
			"of", attempts)

		if attempt < attempts {
			if err := c.sleep(ctx, d.HealthInterval); err != nil {
				return &RestartError{Service: d.Name, Err: err}
			}
		}
	}

	rerr := &RestartError{
		Service: d.Name,
		Err:     fmt.Errorf("health check did not pass after %d attempts", attempts),
	}
	if last != nil {
		rerr.ExitStatus = last.ExitStatus
		rerr.Output = last.Output()
	}
	return rerr
}

func (c *Coordinator) run(ctx context.Context, d Descriptor, command string) (*remote.Result, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	return c.session.Run(ctx, command)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
