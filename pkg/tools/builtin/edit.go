package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/opal-dev/opal/pkg/tools"
)

// EditFileTool performs surgical find-and-replace on files. It normalises
// CRLF and smart punctuation before matching, enforces that the search text
// appears exactly once, and returns a contextual diff.
type EditFileTool struct {
	cwd string
}

func NewEditFileTool(cwd string) *EditFileTool { return &EditFileTool{cwd: cwd} }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing exact text. The old_text must match exactly, including whitespace, and appear exactly once. Use for precise, surgical edits."
}

func (t *EditFileTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"path":     {Type: "string", Description: "Path to the file to edit (relative or absolute)."},
			"old_text": {Type: "string", Description: "Exact text to find and replace."},
			"new_text": {Type: "string", Description: "Replacement text."},
		},
		Required: []string{"path", "old_text", "new_text"},
	})
}

func (t *EditFileTool) Meta(args map[string]any) string {
	p, _ := args["path"].(string)
	return metaTruncate(p)
}

func (t *EditFileTool) Execute(_ context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	pathArg, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if pathArg == "" {
		return tools.Errf("path is required")
	}
	if oldText == "" {
		return tools.Errf("old_text is required")
	}

	cwd := t.cwd
	if cwd == "" {
		cwd = ec.WorkingDir
	}
	absPath := resolvePath(pathArg, cwd)

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return tools.Errf("cannot read %s: %v", pathArg, err)
	}

	bom, rawText := stripBOM(string(raw))
	originalEnding := detectLineEnding(rawText)
	content := normalizeToLF(rawText)
	normOld := normalizeToLF(oldText)
	normNew := normalizeToLF(newText)

	match := fuzzyFindText(content, normOld)
	if !match.found {
		return tools.Errf("could not find the exact text in %s. The old_text must match exactly, including all whitespace and newlines.", pathArg)
	}

	occurrences := strings.Count(normalizeForFuzzyMatch(match.base), normalizeForFuzzyMatch(normOld))
	if occurrences > 1 {
		return tools.Errf("found %d occurrences of the text in %s. The text must be unique; add more surrounding context.", occurrences, pathArg)
	}

	newContent := match.base[:match.index] + normNew + match.base[match.index+match.matchLen:]
	if newContent == match.base {
		return tools.Errf("no changes made to %s. The replacement produced identical content.", pathArg)
	}

	final := bom + restoreLineEndings(newContent, originalEnding)
	if err := os.WriteFile(absPath, []byte(final), 0o644); err != nil {
		return tools.Errf("cannot write %s: %v", pathArg, err)
	}

	diff := generateDiff(match.base, match.index, normOld, normNew)
	return tools.OkMeta(fmt.Sprintf("Replaced text in %s.\n\n%s", pathArg, diff), pathArg)
}

// ---------------------------------------------------------------------------
// Fuzzy matching
// ---------------------------------------------------------------------------

type matchResult struct {
	found    bool
	index    int
	matchLen int
	// base is the content the match indices refer to: the original when the
	// exact match hit, the fuzzy-normalised form otherwise.
	base string
}

func fuzzyFindText(content, oldText string) matchResult {
	if idx := strings.Index(content, oldText); idx != -1 {
		return matchResult{found: true, index: idx, matchLen: len(oldText), base: content}
	}
	fc := normalizeForFuzzyMatch(content)
	fo := normalizeForFuzzyMatch(oldText)
	if idx := strings.Index(fc, fo); idx != -1 {
		return matchResult{found: true, index: idx, matchLen: len(fo), base: fc}
	}
	return matchResult{}
}

// normalizeForFuzzyMatch strips trailing whitespace per line and maps smart
// quotes, dashes, and Unicode spaces to ASCII.
func normalizeForFuzzyMatch(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	s = strings.Join(lines, "\n")

	s = replaceRunes(s, []rune{'\u2018', '\u2019', '\u201A', '\u201B'}, '\'')
	s = replaceRunes(s, []rune{'\u201C', '\u201D', '\u201E', '\u201F'}, '"')
	s = replaceRunes(s, []rune{'\u2010', '\u2011', '\u2012', '\u2013', '\u2014', '\u2015', '\u2212'}, '-')
	s = replaceRunes(s, []rune{'\u00A0', '\u2002', '\u2003', '\u2004', '\u2005', '\u2006', '\u2007', '\u2008', '\u2009', '\u200A', '\u202F', '\u205F', '\u3000'}, ' ')
	return s
}

func replaceRunes(s string, from []rune, to rune) string {
	return strings.Map(func(r rune) rune {
		for _, f := range from {
			if r == f {
				return to
			}
		}
		return r
	}, s)
}

// ---------------------------------------------------------------------------
// Diff generation
// ---------------------------------------------------------------------------

// generateDiff renders a contextual diff for the single replacement. No LCS
// needed; we know exactly what changed and where.
func generateDiff(base string, matchIndex int, oldText, newText string) string {
	allLines := strings.Split(base, "\n")
	oldLines := trimTrailingEmpty(strings.Split(oldText, "\n"))
	newLines := trimTrailingEmpty(strings.Split(newText, "\n"))

	startLineIdx := strings.Count(base[:matchIndex], "\n")

	totalLines := len(allLines) + len(newLines) - len(oldLines)
	width := len(fmt.Sprintf("%d", max(len(allLines), totalLines)))
	pad := func(n int) string { return fmt.Sprintf("%*d", width, n) }

	var sb strings.Builder

	contextStart := max(0, startLineIdx-editContextLines)
	if contextStart > 0 {
		fmt.Fprintf(&sb, " %s ...\n", strings.Repeat(" ", width))
	}
	for i := contextStart; i < startLineIdx && i < len(allLines); i++ {
		fmt.Fprintf(&sb, " %s %s\n", pad(i+1), allLines[i])
	}
	for i, line := range oldLines {
		fmt.Fprintf(&sb, "-%s %s\n", pad(startLineIdx+i+1), line)
	}
	for i, line := range newLines {
		fmt.Fprintf(&sb, "+%s %s\n", pad(startLineIdx+i+1), line)
	}

	afterStart := startLineIdx + len(oldLines)
	afterEnd := min(afterStart+editContextLines, len(allLines))
	for i := afterStart; i < afterEnd; i++ {
		fmt.Fprintf(&sb, " %s %s\n", pad(i+1), allLines[i])
	}
	if afterEnd < len(allLines) {
		fmt.Fprintf(&sb, " %s ...\n", strings.Repeat(" ", width))
	}

	return strings.TrimRight(sb.String(), "\n")
}

func trimTrailingEmpty(lines []string) []string {
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}
