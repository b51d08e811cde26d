package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opal-dev/opal/pkg/taskstore"
	"github.com/opal-dev/opal/pkg/tools"
)

// The task tools persist a per-working-directory task list so multi-step
// progress survives compaction and process restarts.

func storeFor(ec tools.ExecContext) *taskstore.Store {
	return taskstore.ForDir(ec.WorkingDir)
}

func renderTasks(list []taskstore.Task) string {
	if len(list) == 0 {
		return "No tasks."
	}
	var sb strings.Builder
	for _, t := range list {
		mark := " "
		switch t.Status {
		case taskstore.StatusInProgress:
			mark = "~"
		case taskstore.StatusDone:
			mark = "x"
		case taskstore.StatusCanceled:
			mark = "-"
		}
		fmt.Fprintf(&sb, "[%s] #%d %s", mark, t.ID, t.Title)
		if t.Notes != "" {
			fmt.Fprintf(&sb, " (%s)", t.Notes)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ---------------------------------------------------------------------------
// task_add
// ---------------------------------------------------------------------------

type TaskAddTool struct{}

func NewTaskAddTool() *TaskAddTool { return &TaskAddTool{} }

func (t *TaskAddTool) Name() string { return "task_add" }

func (t *TaskAddTool) Description() string {
	return "Add a task to the session task list. Use for multi-step work so progress is visible and survives context compaction."
}

func (t *TaskAddTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"title": {Type: "string", Description: "Short task title."},
			"notes": {Type: "string", Description: "Optional notes or acceptance criteria."},
		},
		Required: []string{"title"},
	})
}

func (t *TaskAddTool) Meta(args map[string]any) string {
	title, _ := args["title"].(string)
	return metaTruncate(title)
}

func (t *TaskAddTool) Execute(_ context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	title, _ := args["title"].(string)
	notes, _ := args["notes"].(string)
	task, err := storeFor(ec).Add(title, notes)
	if err != nil {
		return tools.Errf("task_add: %v", err)
	}
	return tools.Ok(fmt.Sprintf("Added task #%d: %s", task.ID, task.Title))
}

// ---------------------------------------------------------------------------
// task_update
// ---------------------------------------------------------------------------

type TaskUpdateTool struct{}

func NewTaskUpdateTool() *TaskUpdateTool { return &TaskUpdateTool{} }

func (t *TaskUpdateTool) Name() string { return "task_update" }

func (t *TaskUpdateTool) Description() string {
	return "Update a task's status or notes. Statuses: pending, in_progress, done, canceled."
}

func (t *TaskUpdateTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"id":     {Type: "integer", Description: "Task id."},
			"status": {Type: "string", Description: "New status.", Enum: []any{"pending", "in_progress", "done", "canceled"}},
			"notes":  {Type: "string", Description: "Replacement notes."},
		},
		Required: []string{"id"},
	})
}

func (t *TaskUpdateTool) Meta(args map[string]any) string {
	status, _ := args["status"].(string)
	return fmt.Sprintf("#%d %s", intArg(args, "id"), status)
}

func (t *TaskUpdateTool) Execute(_ context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	id := intArg(args, "id")
	status, _ := args["status"].(string)
	notes, _ := args["notes"].(string)
	task, err := storeFor(ec).Update(id, taskstore.Status(status), notes)
	if err != nil {
		return tools.Errf("task_update: %v", err)
	}
	return tools.Ok(fmt.Sprintf("Task #%d is now %s: %s", task.ID, task.Status, task.Title))
}

// ---------------------------------------------------------------------------
// task_list
// ---------------------------------------------------------------------------

type TaskListTool struct{}

func NewTaskListTool() *TaskListTool { return &TaskListTool{} }

func (t *TaskListTool) Name() string { return "task_list" }

func (t *TaskListTool) Description() string {
	return "List all tasks in the session task list with their statuses."
}

func (t *TaskListTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{Properties: map[string]tools.Property{}})
}

func (t *TaskListTool) Meta(map[string]any) string { return "" }

func (t *TaskListTool) Execute(_ context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	list, err := storeFor(ec).List()
	if err != nil {
		return tools.Errf("task_list: %v", err)
	}
	return tools.Ok(renderTasks(list))
}
