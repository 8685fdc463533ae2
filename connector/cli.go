package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CLIConnector runs a local command with the payload on stdin and returns
// trimmed stdout. A non-empty operation is passed as the first extra argument;
// the "args" parameter adds further space separated arguments.
type CLIConnector struct {
	name    string
	command string
	args    []string
	env     []string
}

// NewCLIConnector creates a CLI connector for command and its fixed args.
func NewCLIConnector(name, command string, args ...string) *CLIConnector {
	return &CLIConnector{name: name, command: command, args: args}
}

// WithEnv sets extra environment variables in KEY=VALUE form.
func (c *CLIConnector) WithEnv(env ...string) *CLIConnector {
	c.env = append(c.env, env...)
	return c
}

// Name implements Connector.
func (c *CLIConnector) Name() string { return c.name }

// Type implements Connector.
func (c *CLIConnector) Type() string { return "cli" }

// Execute implements Connector.
func (c *CLIConnector) Execute(ctx context.Context, req Request) (Response, error) {
	args := append([]string{}, c.args...)

	if op := strings.TrimSpace(req.Operation); op != "" {
		args = append(args, op)
	}

	args = append(args, strings.Fields(req.Param("args", ""))...)

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stdin = strings.NewReader(req.Payload)

	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return Fail(fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))), nil
		}

		return Response{}, fmt.Errorf("connector: run %s: %w", c.command, err)
	}

	return OK(strings.TrimSpace(stdout.String())), nil
}
