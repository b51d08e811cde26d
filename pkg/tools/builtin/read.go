package builtin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opal-dev/opal/pkg/tools"
)

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ReadFileTool reads files: text with pagination and truncation, images as
// base64.
type ReadFileTool struct {
	cwd string
}

func NewReadFileTool(cwd string) *ReadFileTool { return &ReadFileTool{cwd: cwd} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return fmt.Sprintf(
		"Read the contents of a file. Supports text files and images (jpg, png, gif, webp). "+
			"Text output is truncated to %d lines or %s, whichever is hit first. "+
			"Use offset/limit for large files and continue with offset until complete.",
		DefaultMaxLines, FormatSize(DefaultMaxBytes))
}

func (t *ReadFileTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"path":   {Type: "string", Description: "Path to the file (relative or absolute)."},
			"offset": {Type: "integer", Description: "Line number to start from (1-indexed)."},
			"limit":  {Type: "integer", Description: "Maximum number of lines to read."},
		},
		Required: []string{"path"},
	})
}

func (t *ReadFileTool) Meta(args map[string]any) string {
	p, _ := args["path"].(string)
	return metaTruncate(p)
}

func (t *ReadFileTool) Execute(_ context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	pathArg, _ := args["path"].(string)
	if pathArg == "" {
		return tools.Errf("path is required")
	}
	cwd := t.cwd
	if cwd == "" {
		cwd = ec.WorkingDir
	}
	absPath := resolvePath(pathArg, cwd)

	if mimeType, ok := imageExtensions[strings.ToLower(filepath.Ext(absPath))]; ok {
		return readImage(absPath, mimeType, pathArg)
	}
	return readText(absPath, pathArg, args)
}

func readImage(absPath, mimeType, displayPath string) tools.Outcome {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return tools.Errf("cannot read %s: %v", displayPath, err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return tools.OkMeta(fmt.Sprintf("Read image file [%s] (%s base64)", mimeType, FormatSize(len(encoded))), displayPath)
}

func readText(absPath, displayPath string, args map[string]any) tools.Outcome {
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return tools.Errf("cannot read %s: %v", displayPath, err)
	}

	allLines := splitLines(normalizeToLF(string(raw)))
	totalLines := len(allLines)

	offset := intArg(args, "offset")
	limit := intArg(args, "limit")

	startLine := 0
	if offset > 0 {
		startLine = offset - 1
	}
	if startLine >= totalLines {
		return tools.Errf("offset %d is beyond end of file (%d lines total)", offset, totalLines)
	}

	var selected string
	limited := 0
	if limit > 0 {
		end := min(startLine+limit, totalLines)
		selected = joinLines(allLines[startLine:end])
		limited = end - startLine
	} else {
		selected = joinLines(allLines[startLine:])
	}

	tr := TruncateHead(selected, DefaultMaxLines, DefaultMaxBytes)
	startDisplay := startLine + 1

	switch {
	case tr.FirstLineExceedsLimit:
		return tools.Errf("[Line %d is %s, exceeds the %s limit. Use shell: sed -n '%dp' %s | head -c %d]",
			startDisplay, FormatSize(len(allLines[startLine])), FormatSize(DefaultMaxBytes),
			startDisplay, displayPath, DefaultMaxBytes)

	case tr.Truncated:
		endDisplay := startDisplay + tr.OutputLines - 1
		note := fmt.Sprintf("\n\n[Showing lines %d-%d of %d. Use offset=%d to continue.]",
			startDisplay, endDisplay, totalLines, endDisplay+1)
		return tools.Ok(tr.Content + note)

	case limited > 0 && startLine+limited < totalLines:
		remaining := totalLines - (startLine + limited)
		note := fmt.Sprintf("\n\n[%d more lines in file. Use offset=%d to continue.]",
			remaining, startLine+limited+1)
		return tools.Ok(tr.Content + note)

	default:
		return tools.Ok(tr.Content)
	}
}

func intArg(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
