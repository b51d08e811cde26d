package agent

// System prompt construction: preamble, tool list, project context files
// (AGENTS.md), available-skills block, date and working directory.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opal-dev/opal/pkg/skills"
	"github.com/opal-dev/opal/pkg/tools"
)

// BuildSystemPrompt assembles the default system prompt for a session.
func BuildSystemPrompt(workingDir string, active []tools.Tool, skillList []skills.Skill, contextFiles []string) string {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	var sb strings.Builder
	sb.WriteString("You are an expert coding assistant. You help users by reading files, running commands, editing code, and delegating self-contained tasks to sub-agents.\n")

	sb.WriteString("\nAvailable tools:\n")
	if len(active) == 0 {
		sb.WriteString("- (none)\n")
	}
	for _, t := range active {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), firstLine(t.Description()))
	}

	sb.WriteString("\nGuidelines:\n")
	for _, g := range buildGuidelines(active) {
		fmt.Fprintf(&sb, "- %s\n", g)
	}

	sb.WriteString("\nWhen you are working on a multi-step task, narrate your current step inside <status>...</status> tags. Keep each status under ten words. The tags are stripped from your visible reply.\n")

	writeContextFiles(&sb, contextFiles)

	if block := skills.FormatSkillsForPrompt(skillList); block != "" {
		sb.WriteString("\n")
		sb.WriteString(block)
		sb.WriteString("\n")
	}

	now := time.Now()
	fmt.Fprintf(&sb, "\nCurrent date: %s", now.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&sb, "\nCurrent working directory: %s\n", workingDir)

	return sb.String()
}

func buildGuidelines(active []tools.Tool) []string {
	has := func(name string) bool {
		for _, t := range active {
			if t.Name() == name {
				return true
			}
		}
		return false
	}

	var lines []string
	if has("read_file") && has("edit_file") {
		lines = append(lines, "Read a file before editing it; edit_file requires the old text to match exactly")
	}
	if has("shell") {
		lines = append(lines, "Use shell for commands like ls, rg, and git; output is truncated when very long")
	}
	if has("sub_agent") {
		lines = append(lines, "Delegate noisy exploratory work to sub_agent so the main conversation stays focused")
	}
	if has("task_add") {
		lines = append(lines, "Track multi-step work with task_add/task_update so progress survives compaction")
	}
	lines = append(lines, "Be concise; show file paths clearly when working with files")
	return lines
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func writeContextFiles(sb *strings.Builder, paths []string) {
	wrote := false
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !wrote {
			sb.WriteString("\n# Project Context\n\nProject-specific instructions:\n\n")
			wrote = true
		}
		fmt.Fprintf(sb, "## %s\n\n%s\n\n", p, string(data))
	}
}

// contextFileNames are looked up per directory, first match wins.
var contextFileNames = []string{"AGENTS.md", "CLAUDE.md"}

// DiscoverContextFiles finds project context files in the global opal config
// directory and the working directory. At most one file per directory.
func DiscoverContextFiles(workingDir string) []string {
	dirs := []string{globalConfigDir(), workingDir}
	var out []string
	seen := map[string]bool{}
	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		for _, name := range contextFileNames {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func globalConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opal")
}
