package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Runner executes tools as independently-cancelable tasks under a
// per-session supervisor context. Shutting the runner down cancels every
// in-flight task; a panic inside a tool is contained and converted into an
// error outcome so the engine keeps going.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{ctx: ctx, cancel: cancel, log: log}
}

// Run executes t on its own goroutine and waits for it. The tool observes a
// context that is cancelled when either callCtx or the runner shuts down.
func (r *Runner) Run(callCtx context.Context, t Tool, ec ExecContext, args map[string]any) Outcome {
	select {
	case <-r.ctx.Done():
		return Errf("tool runner is shut down")
	default:
	}

	ctx, cancel := context.WithCancel(callCtx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	result := make(chan Outcome, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("tool panicked",
					"tool", t.Name(), "call_id", ec.CallID,
					"panic", p, "stack", string(debug.Stack()))
				result <- Errf("Tool execution crashed: %v", p)
			}
		}()
		result <- t.Execute(ctx, ec, args)
	}()

	select {
	case out := <-result:
		return out
	case <-ctx.Done():
		// Let the goroutine finish in the background; its result is dropped.
		return Errf("tool canceled: %v", ctx.Err())
	}
}

// Shutdown cancels all in-flight tool tasks and waits for them to return.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// Dispatch resolves, validates, and runs one tool call against the active
// set. Unknown names and validation failures come back as error outcomes
// without executing anything.
func Dispatch(ctx context.Context, r *Runner, active []Tool, name string, ec ExecContext, args map[string]any) Outcome {
	var tool Tool
	for _, t := range active {
		if t.Name() == name {
			tool = t
			break
		}
	}
	if tool == nil {
		return Errf("Tool not found: %s", name)
	}
	coerced, err := ValidateAndCoerce(tool, args)
	if err != nil {
		return Errf("%v", err)
	}
	return r.Run(ctx, tool, ec, coerced)
}

// MetaFor renders the invocation label for a call, tolerating unknown tools.
func MetaFor(active []Tool, name string, args map[string]any) string {
	for _, t := range active {
		if t.Name() == name {
			return t.Meta(args)
		}
	}
	return fmt.Sprintf("%s(…)", name)
}
