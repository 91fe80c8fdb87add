// Package runner executes dispatched tasks on the local host. It is the
// execution backend behind the command dispatch service: shell and
// script invocation with hard timeouts, plus direct file operations.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/funnel-mesh/funnel/internal/constants"
	"github.com/funnel-mesh/funnel/internal/task"
)

// Emit receives stream events during a streaming execution. Callers
// must treat it as synchronous; the runner never invokes it after
// returning.
type Emit func(task.StreamEvent)

// Backend executes task requests.
type Backend interface {
	// Execute runs a request to completion and returns its result.
	Execute(ctx context.Context, req task.Request) task.Result

	// ExecuteStream runs a request, emitting output chunks as they
	// become available, and returns the final result. The start and
	// completion status events are the dispatch layer's concern.
	ExecuteStream(ctx context.Context, req task.Request, emit Emit) task.Result
}

// Config holds runner configuration.
type Config struct {
	// AgentID is echoed in every result.
	AgentID string

	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration

	// ScratchDir is where scripted-shell bodies are written.
	// Defaults to the OS temp dir.
	ScratchDir string
}

// Local is the host-process execution backend.
type Local struct {
	config Config
	logger zerolog.Logger
}

// NewLocal creates a Local backend.
func NewLocal(cfg Config, logger zerolog.Logger) *Local {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = constants.DefaultTaskTimeout
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Local{
		config: cfg,
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Execute implements Backend.
func (l *Local) Execute(ctx context.Context, req task.Request) task.Result {
	return l.ExecuteStream(ctx, req, nil)
}

// ExecuteStream implements Backend.
func (l *Local) ExecuteStream(ctx context.Context, req task.Request, emit Emit) task.Result {
	started := time.Now()

	result := l.run(ctx, req, emit)

	result.TaskID = req.TaskID
	result.AgentID = l.config.AgentID
	result.DurationMs = time.Since(started).Milliseconds()

	l.logger.Info().
		Str("task_id", req.TaskID).
		Str("type", string(req.Type)).
		Bool("success", result.Success).
		Str("error_code", string(result.ErrorCode)).
		Int64("duration_ms", result.DurationMs).
		Msg("Task finished")

	return result
}

func (l *Local) run(ctx context.Context, req task.Request, emit Emit) task.Result {
	if req.WorkingDirectory != "" {
		info, err := os.Stat(req.WorkingDirectory)
		if err != nil || !info.IsDir() {
			return failure(task.ErrInvalidWorkingDir, fmt.Sprintf("working directory %q does not exist", req.WorkingDirectory))
		}
	}

	switch req.Type {
	case task.TypeReadFile:
		return l.readFile(req)
	case task.TypeWriteFile:
		return l.writeFile(req)
	case task.TypeListDirectory:
		return l.listDirectory(req)
	case task.TypeScriptedShell:
		return l.runScript(ctx, req, emit)
	case task.TypeShell, task.TypeOther, "":
		return l.runShell(ctx, req, req.Command, emit)
	default:
		return failure(task.ErrInternal, fmt.Sprintf("unsupported task type %q", req.Type))
	}
}

// runScript writes the script body to a scratch file and executes it
// through the shell, so multi-line scripts behave as if run from disk.
func (l *Local) runScript(ctx context.Context, req task.Request, emit Emit) task.Result {
	body := req.Content
	if body == "" {
		body = req.Command
	}
	if body == "" {
		return failure(task.ErrSyntax, "scripted-shell request carries no script body")
	}

	scriptPath := filepath.Join(l.config.ScratchDir, "funnel-"+uuid.New().String()+scriptExt)
	if err := os.WriteFile(scriptPath, []byte(body), 0o700); err != nil {
		return failure(task.ErrInternal, fmt.Sprintf("failed to write script: %v", err))
	}
	defer func() {
		if err := os.Remove(scriptPath); err != nil {
			l.logger.Warn().Err(err).Str("path", scriptPath).Msg("Failed to remove scratch script")
		}
	}()

	return l.runShell(ctx, req, scriptInvocation(scriptPath), emit)
}

// runShell executes command through the platform shell, enforcing the
// request timeout and tearing down the whole process group on expiry so
// spawned children do not outlive the task.
func (l *Local) runShell(ctx context.Context, req task.Request, command string, emit Emit) task.Result {
	if strings.TrimSpace(command) == "" {
		return failure(task.ErrSyntax, "empty command")
	}

	timeout := req.Timeout(l.config.DefaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := shellCommand(command)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error { return killTree(cmd) }
	cmd.WaitDelay = 5 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return failure(task.ErrInternal, fmt.Sprintf("failed to create stdout pipe: %v", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return failure(task.ErrInternal, fmt.Sprintf("failed to create stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return classifyStartError(req, err)
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go l.drain(&wg, stdoutPipe, &stdout, req.TaskID, task.EventStdout, emit)
	go l.drain(&wg, stderrPipe, &stderr, req.TaskID, task.EventStderr, emit)

	// Drains must finish before Wait; Wait closes the parent's read
	// ends of the pipes and would discard anything still buffered.
	// On timeout Cancel kills the process group, so the pipes hit EOF
	// and the drains return.
	wg.Wait()
	err = cmd.Wait()

	result := task.Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ErrorCode: task.ErrNone,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ErrorCode = task.ErrTimeout
		result.ExitCode = -1
	case errors.Is(ctx.Err(), context.Canceled):
		result.ErrorCode = task.ErrCancelled
		result.ExitCode = -1
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.ErrorCode = classifyExitError(req, result)
		} else {
			result.ErrorCode = task.ErrInternal
			result.Stderr = appendLine(result.Stderr, err.Error())
			result.ExitCode = -1
		}
	}

	result.Success = result.ErrorCode == task.ErrNone && result.ExitCode == 0
	return result
}

// drain copies a pipe into the capture buffer, forwarding chunks to the
// stream when one is attached.
func (l *Local) drain(wg *sync.WaitGroup, pipe io.ReadCloser, buf *bytes.Buffer, taskID string, kind task.StreamEventType, emit Emit) {
	defer wg.Done()

	reader := bufio.NewReader(pipe)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if emit != nil {
				emit(task.StreamEvent{Type: kind, TaskID: taskID, Data: string(chunk[:n])})
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *Local) readFile(req task.Request) task.Result {
	path := l.resolvePath(req, req.Command)
	data, err := os.ReadFile(path)
	if err != nil {
		return classifyFileError(req, err)
	}
	return task.Result{Success: true, Stdout: string(data), ErrorCode: task.ErrNone}
}

func (l *Local) writeFile(req task.Request) task.Result {
	path := l.resolvePath(req, req.Command)
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return classifyFileError(req, err)
	}
	return task.Result{Success: true, ErrorCode: task.ErrNone}
}

func (l *Local) listDirectory(req task.Request) task.Result {
	path := l.resolvePath(req, req.Command)
	if path == "" {
		path = req.WorkingDirectory
	}
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return classifyFileError(req, err)
	}

	var out strings.Builder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(os.PathSeparator)
		}
		out.WriteString(name)
		out.WriteByte('\n')
	}
	return task.Result{Success: true, Stdout: out.String(), ErrorCode: task.ErrNone}
}

// resolvePath interprets relative paths against the working directory.
func (l *Local) resolvePath(req task.Request, path string) string {
	if path == "" || filepath.IsAbs(path) || req.WorkingDirectory == "" {
		return path
	}
	return filepath.Join(req.WorkingDirectory, path)
}

func classifyFileError(req task.Request, err error) task.Result {
	switch {
	case os.IsNotExist(err):
		return failure(task.ErrNotFound, err.Error())
	case os.IsPermission(err):
		if req.RequiresElevation {
			return failure(task.ErrElevationRequired, err.Error())
		}
		return failure(task.ErrPermissionDenied, err.Error())
	default:
		return failure(task.ErrInternal, err.Error())
	}
}

func classifyStartError(req task.Request, err error) task.Result {
	switch {
	case errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err):
		return failure(task.ErrNotFound, err.Error())
	case os.IsPermission(err):
		if req.RequiresElevation {
			return failure(task.ErrElevationRequired, err.Error())
		}
		return failure(task.ErrPermissionDenied, err.Error())
	default:
		return failure(task.ErrInternal, err.Error())
	}
}

// classifyExitError maps nonzero shell exits onto the error taxonomy.
// Access-denied output on a request that hinted at elevation becomes
// elevation-required, so callers can retry with privileges.
func classifyExitError(req task.Request, result task.Result) task.ErrorCode {
	stderr := strings.ToLower(result.Stderr)
	denied := strings.Contains(stderr, "permission denied") ||
		strings.Contains(stderr, "access is denied") ||
		strings.Contains(stderr, "operation not permitted")
	switch {
	case denied && req.RequiresElevation:
		return task.ErrElevationRequired
	case denied:
		return task.ErrPermissionDenied
	case strings.Contains(stderr, "syntax error"):
		return task.ErrSyntax
	case strings.Contains(stderr, "no such file or directory") ||
		strings.Contains(stderr, "not found") ||
		strings.Contains(stderr, "is not recognized"):
		return task.ErrNotFound
	default:
		// Nonzero exit with no recognizable cause is still a completed
		// execution; the exit code carries the detail.
		return task.ErrNone
	}
}

func failure(code task.ErrorCode, detail string) task.Result {
	return task.Result{
		Success:   false,
		ErrorCode: code,
		Stderr:    detail,
		ExitCode:  -1,
	}
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
