package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/opal-dev/opal/pkg/tools"
)

// Executor abstracts how shell commands run, so execution can be delegated
// to containers, remote hosts, or sandboxes.
type Executor interface {
	// Exec runs command in cwd. onData receives chunks of combined
	// stdout+stderr as they arrive; it may be nil. Returns the exit code and
	// any execution error (distinct from a non-zero exit).
	Exec(ctx context.Context, command, cwd string, onData func(chunk string)) (int, error)
}

// LocalExecutor runs commands in a local bash subprocess.
type LocalExecutor struct{}

func (LocalExecutor) Exec(ctx context.Context, command, cwd string, onData func(chunk string)) (int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 && onData != nil {
				onData(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	cmdErr := cmd.Wait()
	pw.Close()
	<-readDone

	if cmdErr != nil {
		if exitErr, ok := cmdErr.(*exec.ExitError); ok {
			// Non-zero exit is a command result, not an executor failure.
			return exitErr.ExitCode(), nil
		}
		return -1, cmdErr
	}
	return 0, nil
}

// ShellTool executes shell commands and streams their output. Output is
// tail-truncated to DefaultMaxLines / DefaultMaxBytes; overflow is spilled
// to a temp file whose path is reported to the model.
type ShellTool struct {
	cwd      string
	executor Executor
}

func NewShellTool(cwd string) *ShellTool {
	return &ShellTool{cwd: cwd, executor: LocalExecutor{}}
}

// NewShellToolWithExecutor delegates execution to exec.
func NewShellToolWithExecutor(cwd string, ex Executor) *ShellTool {
	if ex == nil {
		ex = LocalExecutor{}
	}
	return &ShellTool{cwd: cwd, executor: ex}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return fmt.Sprintf(
		"Execute a bash command in the working directory. Returns stdout and stderr. "+
			"Output is truncated to the last %d lines or %s, whichever is hit first; "+
			"truncated output is saved in full to a temp file. "+
			"Optionally provide a timeout in seconds.",
		DefaultMaxLines, FormatSize(DefaultMaxBytes))
}

func (t *ShellTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"command": {Type: "string", Description: "Bash command to execute."},
			"timeout": {Type: "number", Description: "Timeout in seconds (optional)."},
		},
		Required: []string{"command"},
	})
}

func (t *ShellTool) Meta(args map[string]any) string {
	cmd, _ := args["command"].(string)
	return metaTruncate(cmd)
}

func (t *ShellTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	command, _ := args["command"].(string)
	if command == "" {
		return tools.Errf("command is required")
	}

	var timeoutSecs float64
	switch n := args["timeout"].(type) {
	case float64:
		timeoutSecs = n
	case int:
		timeoutSecs = float64(n)
	}
	if timeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSecs*float64(time.Second)))
		defer cancel()
	}

	cwd := t.cwd
	if cwd == "" {
		cwd = ec.WorkingDir
	}

	// Rolling window of recent output, shared with the executor callback.
	var mu sync.Mutex
	var chunks [][]byte
	var chunksBytes, totalBytes int
	var tempFile *os.File
	var tempPath string
	const maxWindow = DefaultMaxBytes * 2

	onData := func(chunk string) {
		data := []byte(chunk)
		mu.Lock()
		totalBytes += len(data)

		if totalBytes > DefaultMaxBytes && tempFile == nil {
			if tf, err := os.CreateTemp("", "opal-shell-*.log"); err == nil {
				tempFile = tf
				tempPath = tf.Name()
				for _, c := range chunks {
					tf.Write(c)
				}
			}
		}
		if tempFile != nil {
			tempFile.Write(data)
		}

		chunks = append(chunks, data)
		chunksBytes += len(data)
		for chunksBytes > maxWindow && len(chunks) > 1 {
			chunksBytes -= len(chunks[0])
			chunks = chunks[1:]
		}
		mu.Unlock()

		if ec.Emit != nil {
			ec.Emit(chunk)
		}
	}

	exitCode, execErr := t.executor.Exec(ctx, command, cwd, onData)

	if tempFile != nil {
		tempFile.Close()
	}

	mu.Lock()
	combined := make([]byte, 0, chunksBytes)
	for _, c := range chunks {
		combined = append(combined, c...)
	}
	tp := tempPath
	tb := totalBytes
	mu.Unlock()

	full := string(combined)
	tr := TruncateTail(full, DefaultMaxLines, DefaultMaxBytes)
	out := tr.Content
	if out == "" {
		out = "(no output)"
	}

	if tr.Truncated {
		startLine := tr.TotalLines - tr.OutputLines + 1
		if tr.LastLinePartial {
			out += fmt.Sprintf("\n\n[Showing last %s of line %d. Full output: %s]",
				FormatSize(tr.OutputBytes), tr.TotalLines, tp)
		} else {
			out += fmt.Sprintf("\n\n[Showing lines %d-%d of %d. Full output: %s]",
				startLine, tr.TotalLines, tr.TotalLines, tp)
		}
	} else if tb > DefaultMaxBytes && tp != "" {
		out += fmt.Sprintf("\n\n[Full output: %s]", tp)
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return tools.Errf("%s\n\nCommand timed out after %.0f seconds", out, timeoutSecs)
	case ctx.Err() == context.Canceled:
		return tools.Errf("Command aborted")
	case execErr != nil:
		return tools.Errf("%s\n\nCommand failed: %v", out, execErr)
	case exitCode != 0:
		return tools.Errf("%s\n\n[exit code %d]", out, exitCode)
	}
	return tools.Ok(out)
}
