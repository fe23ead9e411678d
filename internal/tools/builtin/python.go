package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/pte-agent/internal/sandbox"
	"github.com/ashureev/pte-agent/internal/tools"
)

func newPythonREPL(deps Deps) (tools.Tool, error) {
	if deps.Sandbox == nil {
		return nil, tools.ErrNotConfigured
	}
	return tools.New(tools.MustBuiltin("python_repl"), func(ctx context.Context, in tools.Input) (string, error) {
		code := in.String("code")
		if strings.TrimSpace(code) == "" {
			return "", errors.New("code is empty")
		}
		res, err := deps.Sandbox.Run(ctx, code)
		if err != nil {
			return "", fmt.Errorf("python sandbox: %w", err)
		}
		return formatRun(res)
	}), nil
}

// formatRun turns a sandbox result into tool output. A non-zero exit is a
// failed step so the re-planner can react to it.
func formatRun(res sandbox.Result) (string, error) {
	stdout := strings.TrimSpace(res.Stdout)
	stderr := strings.TrimSpace(res.Stderr)
	if res.ExitCode != 0 {
		msg := lastLine(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return "", fmt.Errorf("execution error: %s", msg)
	}

	out := stdout
	if out == "" {
		out = "code ran with no output"
	}
	if res.Truncated {
		out += "\n[output truncated]"
	}
	return out, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
