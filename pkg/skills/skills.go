// Package skills discovers skill files: Markdown documents with YAML
// frontmatter that carry specialized instructions for specific tasks.
//
// The system prompt lists every available skill by name and description;
// when a task matches, the model calls use_skill and the skill's body is
// injected into the conversation.
//
// Discovery:
//   - Global:  $XDG_CONFIG_HOME/opal/skills/ (or ~/.config/opal/skills/)
//   - Project: {cwd}/.opal/skills/
//   - Files:   root .md files, or SKILL.md under subdirectories
//
// Frontmatter:
//
//	---
//	name: my-skill
//	description: Does something useful when X.
//	---
//
// The name must consist of lowercase a-z, 0-9, and single hyphens, and not
// exceed 64 characters. Invalid skill files are skipped silently.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxNameLen = 64
	maxDescLen = 1024
	projectDir = ".opal"
)

// Skill is a discovered skill file. The body is loaded lazily via
// LoadInstructions when the skill is actually used.
type Skill struct {
	Name        string
	Description string
	FilePath    string // absolute path
	Source      string // "user" | "project" | "path"
}

// Discover finds skills in the global opal directory and the project working
// directory. Name collisions resolve in favor of the global directory.
func Discover(cwd string) []Skill {
	byName := map[string]Skill{}
	add := func(found []Skill) {
		for _, s := range found {
			if _, exists := byName[s.Name]; !exists {
				byName[s.Name] = s
			}
		}
	}

	add(scanDir(globalSkillsDir(), "user"))
	add(scanDir(filepath.Join(cwd, projectDir, "skills"), "project"))

	out := make([]Skill, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DiscoverWithDirs adds explicit extra directories to the default discovery.
// Useful for tests and CLI overrides.
func DiscoverWithDirs(cwd string, extra ...string) []Skill {
	all := Discover(cwd)
	names := map[string]bool{}
	for _, s := range all {
		names[s.Name] = true
	}
	for _, dir := range extra {
		for _, s := range scanDir(dir, "path") {
			if !names[s.Name] {
				names[s.Name] = true
				all = append(all, s)
			}
		}
	}
	return all
}

// LoadInstructions reads a skill file's body with the frontmatter stripped.
func LoadInstructions(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("skill: read %s: %w", path, err)
	}
	return strings.TrimSpace(stripFrontmatter(string(data))), nil
}

// FormatSkillsForPrompt renders the <available_skills> block for the system
// prompt. Empty input renders nothing.
func FormatSkillsForPrompt(list []Skill) string {
	if len(list) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("The following skills provide specialized instructions for specific tasks.\n")
	sb.WriteString("Call the use_skill tool with a skill's name when the task matches its description.\n")
	sb.WriteString("\n<available_skills>\n")
	for _, s := range list {
		sb.WriteString("  <skill>\n")
		fmt.Fprintf(&sb, "    <name>%s</name>\n", escapeXML(s.Name))
		fmt.Fprintf(&sb, "    <description>%s</description>\n", escapeXML(s.Description))
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}

func scanDir(dir, source string) []Skill {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var found []Skill
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())

		if e.IsDir() {
			if s := parseSkillFile(filepath.Join(full, "SKILL.md"), e.Name(), source); s != nil {
				found = append(found, *s)
			}
			continue
		}
		if strings.HasSuffix(e.Name(), ".md") {
			name := strings.TrimSuffix(e.Name(), ".md")
			if s := parseSkillFile(full, name, source); s != nil {
				found = append(found, *s)
			}
		}
	}
	return found
}

// parseSkillFile reads a skill's frontmatter and returns the Skill, or nil
// when validation fails.
func parseSkillFile(path, fallbackName, source string) *Skill {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	fm := parseFrontmatter(string(data))
	name := fm["name"]
	if name == "" {
		name = fallbackName
	}
	desc := fm["description"]

	if desc == "" || len(desc) > maxDescLen {
		return nil
	}
	if !isValidName(name) || len(name) > maxNameLen {
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Skill{Name: name, Description: desc, FilePath: abs, Source: source}
}

// parseFrontmatter extracts key: value pairs from the leading --- block.
// Only simple string values and pipe/folded scalars are handled.
func parseFrontmatter(content string) map[string]string {
	out := map[string]string{}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != "---" {
		return out
	}
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "---" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
			v = v[1 : len(v)-1]
		}
		if v == "|" || v == ">" {
			var sb strings.Builder
			sep := ""
			for i++; i < len(lines); i++ {
				if !strings.HasPrefix(lines[i], " ") && !strings.HasPrefix(lines[i], "\t") {
					i--
					break
				}
				sb.WriteString(sep)
				sb.WriteString(strings.TrimSpace(lines[i]))
				sep = " "
			}
			v = sb.String()
		}
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// stripFrontmatter removes the leading --- block, returning the body.
func stripFrontmatter(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != "---" {
		return content
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	return content
}

func isValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return false
	}
	if strings.Contains(name, "--") {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return true
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

func globalSkillsDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opal", "skills")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opal", "skills")
}
