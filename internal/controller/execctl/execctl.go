// Package execctl implements controller.Controller by running an external
// command, for resources that have no native client in this module.
//
// The command is invoked as
//
//	<command...> <verb> <resource-id>
//
// where verb is describe, stop, terminate, dry-run-stop or dry-run-terminate.
// The first word of stdout is the resulting resource state. Dry runs signal
// refusal with exit status 77.
package execctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/psantana5/timebomb/internal/controller"
)

// ExitUnauthorized is the exit status meaning "not permitted" (sysexits EX_NOPERM).
const ExitUnauthorized = 77

// Controller shells out to a resource-control command.
type Controller struct {
	argv []string
}

// New parses command (split on whitespace) into a Controller.
func New(command string) (*Controller, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("exec controller: empty command")
	}
	return &Controller{argv: argv}, nil
}

func (c *Controller) run(ctx context.Context, verb, resourceID string) (string, error) {
	args := append(append([]string{}, c.argv[1:]...), verb, resourceID)
	cmd := exec.CommandContext(ctx, c.argv[0], args...) //nolint:gosec // command comes from operator config

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", verb, resourceID, err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", verb, resourceID, err)
	}
	return stdout.String(), nil
}

func (c *Controller) state(ctx context.Context, verb, resourceID string) (controller.State, error) {
	out, err := c.run(ctx, verb, resourceID)
	if err != nil {
		return controller.StateUnknown, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return controller.StateUnknown, fmt.Errorf("%s %s: no state on stdout", verb, resourceID)
	}
	return controller.ParseState(fields[0]), nil
}

func (c *Controller) Describe(ctx context.Context, resourceID string) (controller.State, error) {
	return c.state(ctx, "describe", resourceID)
}

func (c *Controller) Stop(ctx context.Context, resourceID string) (controller.State, error) {
	return c.state(ctx, "stop", resourceID)
}

func (c *Controller) Terminate(ctx context.Context, resourceID string) (controller.State, error) {
	return c.state(ctx, "terminate", resourceID)
}

func (c *Controller) DryRun(ctx context.Context, action controller.Action, resourceID string) error {
	if action != controller.ActionStop && action != controller.ActionTerminate {
		return fmt.Errorf("%w: %q", controller.ErrUnknownAction, action)
	}
	_, err := c.run(ctx, "dry-run-"+string(action), resourceID)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitUnauthorized {
		return fmt.Errorf("%s %s: %w", action, resourceID, controller.ErrUnauthorized)
	}
	return err
}
