// Package builtin provides the standard opal tool set: shell, read_file,
// write_file, edit_file, ask_user, use_skill, and the task tools.
package builtin

import (
	"github.com/opal-dev/opal/pkg/tools"
)

const (
	DefaultMaxLines   = 2000
	DefaultMaxBytes   = 50 * 1024 // 50 KB
	editContextLines  = 4
	maxMetaChars      = 60
)

// Register adds the full builtin tool set to reg. workingDir anchors the
// file tools and the task store.
func Register(reg *tools.Registry, workingDir string) {
	reg.Register(NewShellTool(workingDir))
	reg.Register(NewReadFileTool(workingDir))
	reg.Register(NewWriteFileTool(workingDir))
	reg.Register(NewEditFileTool(workingDir))
	reg.Register(&AskUserTool{})
	reg.Register(&UseSkillTool{})
	reg.Register(NewTaskAddTool())
	reg.Register(NewTaskUpdateTool())
	reg.Register(NewTaskListTool())
}

func metaTruncate(s string) string {
	if len(s) > maxMetaChars {
		return s[:maxMetaChars-3] + "..."
	}
	return s
}
