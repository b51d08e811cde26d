package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opal-dev/opal/pkg/tools"
)

// WriteFileTool creates or overwrites a file, creating parent directories as
// needed.
type WriteFileTool struct {
	cwd string
}

func NewWriteFileTool(cwd string) *WriteFileTool { return &WriteFileTool{cwd: cwd} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, replacing any existing content. Parent directories are created automatically. Prefer edit_file for small changes to existing files."
}

func (t *WriteFileTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"path":    {Type: "string", Description: "Path to the file (relative or absolute)."},
			"content": {Type: "string", Description: "Full file content to write."},
		},
		Required: []string{"path", "content"},
	})
}

func (t *WriteFileTool) Meta(args map[string]any) string {
	p, _ := args["path"].(string)
	return metaTruncate(p)
}

func (t *WriteFileTool) Execute(_ context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	pathArg, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if pathArg == "" {
		return tools.Errf("path is required")
	}

	cwd := t.cwd
	if cwd == "" {
		cwd = ec.WorkingDir
	}
	absPath := resolvePath(pathArg, cwd)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return tools.Errf("cannot create directory for %s: %v", pathArg, err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return tools.Errf("cannot write %s: %v", pathArg, err)
	}
	lines := len(splitLines(content))
	return tools.Ok(fmt.Sprintf("Wrote %d lines (%s) to %s.", lines, FormatSize(len(content)), pathArg))
}
