package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Runner executes one external command and returns its combined output.
// The default runner shells out; tests substitute their own.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner is the production Runner.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// classify turns a failed engine invocation into the error the
// reconciler acts on. A deadline hit is a timeout; everything else is a
// validation failure carrying the engine's output verbatim.
func classify(ctx context.Context, backend fleet.BackendType, operation string, output []byte, err error) error {
	if err == nil {
		return nil
	}
	detail := err
	if msg := strings.TrimSpace(string(output)); msg != "" {
		detail = fmt.Errorf("%s: %w", msg, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return fleet.NewTimeoutError(fmt.Sprintf("%s %s exceeded its deadline", backend, operation), detail)
	}
	return fleet.NewValidationError(fmt.Sprintf("%s %s failed", backend, operation), detail)
}
