//go:build unix

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-mesh/funnel/internal/task"
	"github.com/funnel-mesh/funnel/internal/testutil"
)

func newTestRunner(t *testing.T) *Local {
	return NewLocal(Config{
		AgentID:        "agent-under-test",
		DefaultTimeout: time.Minute,
		ScratchDir:     t.TempDir(),
	}, testutil.NewTestLogger(t))
}

func TestLocal_Execute_Shell(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	t.Run("captures stdout and echoes identity", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "t1", Type: task.TypeShell, Command: "echo hello"})
		assert.True(t, res.Success)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, task.ErrNone, res.ErrorCode)
		assert.Equal(t, "t1", res.TaskID)
		assert.Equal(t, "agent-under-test", res.AgentID)
	})

	t.Run("captures stderr and exit code", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "t2", Type: task.TypeShell, Command: "echo oops >&2; exit 3"})
		assert.False(t, res.Success)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "oops\n", res.Stderr)
	})

	t.Run("empty command is a syntax error", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "t3", Type: task.TypeShell, Command: "  "})
		assert.Equal(t, task.ErrSyntax, res.ErrorCode)
	})

	t.Run("working directory is honored", func(t *testing.T) {
		dir := t.TempDir()
		res := r.Execute(ctx, task.Request{TaskID: "t4", Type: task.TypeShell, Command: "pwd", WorkingDirectory: dir})
		require.True(t, res.Success)
		assert.Equal(t, dir, strings.TrimSpace(res.Stdout))
	})

	t.Run("missing working directory", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "t5", Type: task.TypeShell, Command: "true", WorkingDirectory: "/definitely/not/here"})
		assert.Equal(t, task.ErrInvalidWorkingDir, res.ErrorCode)
		assert.False(t, res.Success)
	})

	t.Run("permission denial maps by elevation hint", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "t6", Type: task.TypeShell, Command: "echo 'permission denied' >&2; exit 1"})
		assert.Equal(t, task.ErrPermissionDenied, res.ErrorCode)

		res = r.Execute(ctx, task.Request{TaskID: "t7", Type: task.TypeShell, Command: "echo 'permission denied' >&2; exit 1", RequiresElevation: true})
		assert.Equal(t, task.ErrElevationRequired, res.ErrorCode)
	})
}

func TestLocal_Execute_OutputBurstBeforeExit(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	// A burst larger than the OS pipe buffer, written right before
	// exit, must come back whole.
	const want = 48 * 1024
	cmd := "head -c 49152 /dev/zero | tr '\\0' 'x'"

	for i := 0; i < 5; i++ {
		res := r.Execute(ctx, task.Request{TaskID: "burst", Type: task.TypeShell, Command: cmd})
		require.True(t, res.Success)
		require.Len(t, res.Stdout, want, "iteration %d lost output", i)
	}
}

func TestLocal_Execute_Timeout(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	// The child spawns its own child; both must be gone afterwards.
	pidFile := filepath.Join(t.TempDir(), "pid")
	cmd := "sleep 60 & echo $! > " + pidFile + "; wait"

	start := time.Now()
	res := r.Execute(ctx, task.Request{TaskID: "slow", Type: task.TypeShell, Command: cmd, TimeoutSeconds: 1})

	assert.False(t, res.Success)
	assert.Equal(t, task.ErrTimeout, res.ErrorCode)
	assert.Less(t, time.Since(start), 15*time.Second)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(data))
	require.NotEmpty(t, pid)

	assert.Eventually(t, func() bool {
		// Signal 0 probes existence without sending anything.
		return syscall.Kill(atoi(t, pid), 0) != nil
	}, 10*time.Second, 100*time.Millisecond, "spawned child must not survive the timeout")
}

func TestLocal_Execute_Cancellation(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan task.Result, 1)
	go func() {
		done <- r.Execute(ctx, task.Request{TaskID: "c1", Type: task.TypeShell, Command: "sleep 60"})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, task.ErrCancelled, res.ErrorCode)
		assert.False(t, res.Success)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled task did not return")
	}
}

func TestLocal_ExecuteStream(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	var mu sync.Mutex
	var events []task.StreamEvent
	res := r.ExecuteStream(ctx, task.Request{TaskID: "s1", Type: task.TypeShell, Command: "echo one; echo two >&2"}, func(ev task.StreamEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.True(t, res.Success)
	assert.Equal(t, "one\n", res.Stdout)
	assert.Equal(t, "two\n", res.Stderr)

	var sawStdout, sawStderr bool
	for _, ev := range events {
		assert.Equal(t, "s1", ev.TaskID)
		switch ev.Type {
		case task.EventStdout:
			sawStdout = true
		case task.EventStderr:
			sawStderr = true
		}
	}
	assert.True(t, sawStdout)
	assert.True(t, sawStderr)
}

func TestLocal_ScriptedShell(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	t.Run("runs a multi-line body", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{
			TaskID:  "sc1",
			Type:    task.TypeScriptedShell,
			Content: "x=40\ny=2\necho $((x + y))",
		})
		require.True(t, res.Success)
		assert.Equal(t, "42\n", res.Stdout)
	})

	t.Run("falls back to command as body", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "sc2", Type: task.TypeScriptedShell, Command: "echo fallback"})
		require.True(t, res.Success)
		assert.Equal(t, "fallback\n", res.Stdout)
	})

	t.Run("empty body is a syntax error", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "sc3", Type: task.TypeScriptedShell})
		assert.Equal(t, task.ErrSyntax, res.ErrorCode)
	})
}

func TestLocal_FileOperations(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	dir := t.TempDir()

	t.Run("write then read", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{
			TaskID:           "f1",
			Type:             task.TypeWriteFile,
			Command:          "note.txt",
			Content:          "remember this",
			WorkingDirectory: dir,
		})
		require.True(t, res.Success)

		res = r.Execute(ctx, task.Request{
			TaskID:           "f2",
			Type:             task.TypeReadFile,
			Command:          "note.txt",
			WorkingDirectory: dir,
		})
		require.True(t, res.Success)
		assert.Equal(t, "remember this", res.Stdout)
	})

	t.Run("read missing file is not-found", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "f3", Type: task.TypeReadFile, Command: filepath.Join(dir, "nope.txt")})
		assert.Equal(t, task.ErrNotFound, res.ErrorCode)
	})

	t.Run("list without a path defaults to the working directory", func(t *testing.T) {
		res := r.Execute(ctx, task.Request{TaskID: "f5", Type: task.TypeListDirectory, WorkingDirectory: dir})
		require.True(t, res.Success)
		assert.Contains(t, res.Stdout, "note.txt\n")
	})

	t.Run("list directory marks subdirectories", func(t *testing.T) {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
		res := r.Execute(ctx, task.Request{TaskID: "f4", Type: task.TypeListDirectory, Command: dir})
		require.True(t, res.Success)
		assert.Contains(t, res.Stdout, "note.txt\n")
		assert.Contains(t, res.Stdout, "sub"+string(os.PathSeparator)+"\n")
	})
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9', "pid %q not numeric", s)
		n = n*10 + int(c-'0')
	}
	return n
}
