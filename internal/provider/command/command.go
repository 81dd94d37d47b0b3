// Package command runs external tools as checks. The command string and
// optional stdin are Liquid templates; stdout is captured as the raw output
// and finding lines are parsed into issues.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/template"
)

// Command executes `exec` through a non-login bash with a filtered
// environment. A nonzero exit is not a failure by itself; many linters exit
// nonzero on findings.
type Command struct {
	renderer *template.Renderer
	shell    string
}

func New() *Command {
	return &Command{renderer: template.NewRenderer(), shell: "bash"}
}

func (c *Command) Name() string        { return "command" }
func (c *Command) Description() string { return "Run an external command and parse its findings" }

func (c *Command) ValidateConfig(cfg map[string]any) error {
	_, err := provider.RequireString(cfg, "exec")
	return err
}

func (c *Command) SupportedKeys() []string {
	return []string{"exec", "stdin", "workdir", "pass_env"}
}

func (c *Command) IsAvailable() bool {
	_, err := exec.LookPath(c.shell)
	return err == nil
}

func (c *Command) Requirements() []string {
	return []string{c.shell + " on PATH"}
}

func (c *Command) Execute(ctx context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	started := time.Now()
	execTpl, err := provider.RequireString(in.Config, "exec")
	if err != nil {
		return nil, err
	}
	bindings := template.Bindings(in.PR, in.Dependencies, in.Inputs)
	cmdline, err := c.renderer.Render(execTpl, bindings)
	if err != nil {
		return &core.ReviewSummary{
			Issues: []core.ReviewIssue{provider.ErrorIssue(c.Name(), "template_error", err.Error())},
		}, nil
	}

	cmd := exec.CommandContext(ctx, c.shell, "-c", cmdline)
	if workdir := provider.StringKey(in.Config, "workdir"); workdir != "" {
		cmd.Dir = workdir
	}
	cmd.Env = childEnv(in.Env, provider.StringSliceKey(in.Config, "pass_env"))

	if stdinTpl := provider.StringKey(in.Config, "stdin"); stdinTpl != "" {
		stdin, rerr := c.renderer.Render(stdinTpl, bindings)
		if rerr != nil {
			return &core.ReviewSummary{
				Issues: []core.ReviewIssue{provider.ErrorIssue(c.Name(), "template_error", rerr.Error())},
			}, nil
		}
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, &core.ProviderError{Provider: c.Name(), Kind: core.ProviderErrTimeout, Err: ctx.Err()}
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, &core.ProviderError{Provider: c.Name(), Kind: core.ProviderErrFatal, Err: runErr}
		}
	}

	in.Logger.Debug().
		Str("check", in.CheckID).
		Int("exit_code", exitCode).
		Int("stdout_bytes", stdout.Len()).
		Msg("command finished")

	out := stdout.String()
	return &core.ReviewSummary{
		Issues:  ParseFindings(out + "\n" + stderr.String()),
		Content: out,
		Debug: &core.DebugInfo{
			Provider:     c.Name(),
			ProcessingMS: time.Since(started).Milliseconds(),
			StartedAt:    started,
			FinishedAt:   time.Now(),
		},
	}, nil
}

// findingLine matches the conventional "file:line:col: severity: message"
// linter output shape.
var findingLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*([A-Za-z]+):\s*(.+)$`)

// ParseFindings extracts issues from tool output. Lines that do not match
// the finding shape, or whose severity token is unknown, are ignored.
func ParseFindings(out string) []core.ReviewIssue {
	var issues []core.ReviewIssue
	for _, line := range strings.Split(out, "\n") {
		m := findingLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		sev, ok := core.ParseSeverity(m[4])
		if !ok {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		issues = append(issues, core.ReviewIssue{
			File:     m[1],
			Line:     lineNo,
			RuleID:   "tool/" + strings.ToLower(m[4]),
			Message:  m[5],
			Severity: sev,
			Category: core.CategoryStyle,
		})
	}
	return issues
}

// envAllowList names the only host variables that pass through implicitly.
// Anything else, API keys and tokens included, needs an explicit pass_env
// entry or a workflow env value.
var envAllowList = []string{
	"PATH", "HOME", "USER", "SHELL", "LANG", "LC_ALL", "TZ", "TMPDIR", "TERM", "NODE_ENV",
}

func childEnv(workflowEnv map[string]string, passEnv []string) []string {
	env := map[string]string{}
	for _, name := range envAllowList {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for _, name := range passEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for k, v := range workflowEnv {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
