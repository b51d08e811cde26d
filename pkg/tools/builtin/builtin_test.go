package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opal-dev/opal/pkg/tools"
)

func execTool(t *testing.T, tool tools.Tool, dir string, args map[string]any) tools.Outcome {
	t.Helper()
	return tool.Execute(context.Background(), tools.ExecContext{WorkingDir: dir}, args)
}

// ---------------------------------------------------------------------------
// shell
// ---------------------------------------------------------------------------

func TestShellRunsCommand(t *testing.T) {
	dir := t.TempDir()
	out := execTool(t, NewShellTool(dir), dir, map[string]any{"command": "echo hello"})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	if !strings.Contains(out.Text, "hello") {
		t.Fatalf("output missing: %q", out.Text)
	}
}

func TestShellNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	out := execTool(t, NewShellTool(dir), dir, map[string]any{"command": "echo oops; exit 3"})
	if !out.IsError() {
		t.Fatal("expected error outcome for non-zero exit")
	}
	if !strings.Contains(out.Text, "oops") || !strings.Contains(out.Text, "exit code 3") {
		t.Fatalf("output missing detail: %q", out.Text)
	}
}

func TestShellStreamsOutput(t *testing.T) {
	dir := t.TempDir()
	var streamed strings.Builder
	ec := tools.ExecContext{
		WorkingDir: dir,
		Emit:       func(chunk string) { streamed.WriteString(chunk) },
	}
	out := NewShellTool(dir).Execute(context.Background(), ec, map[string]any{"command": "printf 'a\\nb\\n'"})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	if !strings.Contains(streamed.String(), "a\nb") {
		t.Fatalf("streamed output missing: %q", streamed.String())
	}
}

func TestShellTimeout(t *testing.T) {
	dir := t.TempDir()
	out := execTool(t, NewShellTool(dir), dir, map[string]any{"command": "sleep 5", "timeout": 0.2})
	if !out.IsError() || !strings.Contains(out.Text, "timed out") {
		t.Fatalf("expected timeout error, got: %q", out.Text)
	}
}

func TestShellTruncatesTailAndSpillsToTempFile(t *testing.T) {
	dir := t.TempDir()
	out := execTool(t, NewShellTool(dir), dir, map[string]any{"command": "seq 1 5000"})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	if !strings.Contains(out.Text, "5000") {
		t.Fatalf("tail truncation should keep the end: %q", out.Text[:200])
	}
	if strings.Contains(out.Text, "\n1\n") {
		t.Fatal("head of output should be truncated away")
	}
	if !strings.Contains(out.Text, "Full output:") {
		t.Fatalf("missing temp file notice: %q", out.Text[len(out.Text)-200:])
	}
}

// ---------------------------------------------------------------------------
// read_file / write_file / edit_file
// ---------------------------------------------------------------------------

func TestReadFileBasic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("one\ntwo\nthree"), 0o644)

	out := execTool(t, NewReadFileTool(dir), dir, map[string]any{"path": "a.txt"})
	if out.IsError() || out.Text != "one\ntwo\nthree" {
		t.Fatalf("unexpected: err=%v text=%q", out.IsError(), out.Text)
	}
}

func TestReadFileOffsetLimit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1\n2\n3\n4\n5"), 0o644)

	out := execTool(t, NewReadFileTool(dir), dir, map[string]any{"path": "a.txt", "offset": 2, "limit": 2})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	if !strings.HasPrefix(out.Text, "2\n3") {
		t.Fatalf("offset/limit wrong: %q", out.Text)
	}
	if !strings.Contains(out.Text, "offset=4") {
		t.Fatalf("continuation hint missing: %q", out.Text)
	}
}

func TestReadFileMissing(t *testing.T) {
	dir := t.TempDir()
	out := execTool(t, NewReadFileTool(dir), dir, map[string]any{"path": "nope.txt"})
	if !out.IsError() {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	out := execTool(t, NewWriteFileTool(dir), dir, map[string]any{
		"path": "sub/deep/x.txt", "content": "data",
	})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "deep", "x.txt"))
	if err != nil || string(data) != "data" {
		t.Fatalf("file not written: %v %q", err, data)
	}
}

func TestEditFileReplacesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("func a() {}\nfunc b() {}\n"), 0o644)

	out := execTool(t, NewEditFileTool(dir), dir, map[string]any{
		"path": "a.go", "old_text": "func b() {}", "new_text": "func b() { return }",
	})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "func b() { return }") {
		t.Fatalf("edit not applied: %q", data)
	}
	if !strings.Contains(out.Text, "-") || !strings.Contains(out.Text, "+") {
		t.Fatalf("diff missing: %q", out.Text)
	}
}

func TestEditFileRejectsAmbiguous(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x\nx\n"), 0o644)

	out := execTool(t, NewEditFileTool(dir), dir, map[string]any{
		"path": "a.txt", "old_text": "x", "new_text": "y",
	})
	if !out.IsError() || !strings.Contains(out.Text, "occurrences") {
		t.Fatalf("expected ambiguity error, got: %q", out.Text)
	}
}

func TestEditFileNotFoundText(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644)

	out := execTool(t, NewEditFileTool(dir), dir, map[string]any{
		"path": "a.txt", "old_text": "goodbye", "new_text": "x",
	})
	if !out.IsError() || !strings.Contains(out.Text, "could not find") {
		t.Fatalf("expected not-found error, got: %q", out.Text)
	}
}

func TestEditFilePreservesCRLF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.txt")
	os.WriteFile(path, []byte("alpha\r\nbeta\r\n"), 0o644)

	out := execTool(t, NewEditFileTool(dir), dir, map[string]any{
		"path": "w.txt", "old_text": "beta", "new_text": "gamma",
	})
	if out.IsError() {
		t.Fatalf("unexpected error: %s", out.Text)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "alpha\r\ngamma\r\n" {
		t.Fatalf("line endings not preserved: %q", data)
	}
}

// ---------------------------------------------------------------------------
// use_skill / ask_user
// ---------------------------------------------------------------------------

func TestUseSkillEmitsEffect(t *testing.T) {
	out := execTool(t, &UseSkillTool{}, t.TempDir(), map[string]any{"name": "deploy"})
	if out.Kind != tools.OutcomeEffect || out.EffectTag != "load_skill" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if name, _ := out.EffectPayload["name"].(string); name != "deploy" {
		t.Fatalf("payload missing name: %+v", out.EffectPayload)
	}
}

type fakeAsker struct {
	answer string
}

func (f fakeAsker) Ask(_ context.Context, method string, params map[string]any) (map[string]any, error) {
	return map[string]any{"answer": f.answer}, nil
}

func TestAskUserRoutesThroughAsker(t *testing.T) {
	ec := tools.ExecContext{WorkingDir: t.TempDir(), Ask: fakeAsker{answer: "yes"}}
	out := (&AskUserTool{}).Execute(context.Background(), ec, map[string]any{"question": "proceed?"})
	if out.IsError() || out.Text != "yes" {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestAskUserWithoutClient(t *testing.T) {
	out := execTool(t, &AskUserTool{}, t.TempDir(), map[string]any{"question": "hm?"})
	if !out.IsError() {
		t.Fatal("expected error with no asker attached")
	}
}

// ---------------------------------------------------------------------------
// task tools
// ---------------------------------------------------------------------------

func TestTaskToolsLifecycle(t *testing.T) {
	dir := t.TempDir()

	add := execTool(t, NewTaskAddTool(), dir, map[string]any{"title": "write docs"})
	if add.IsError() || !strings.Contains(add.Text, "#1") {
		t.Fatalf("task_add: %+v", add)
	}

	upd := execTool(t, NewTaskUpdateTool(), dir, map[string]any{"id": 1, "status": "done"})
	if upd.IsError() || !strings.Contains(upd.Text, "done") {
		t.Fatalf("task_update: %+v", upd)
	}

	list := execTool(t, NewTaskListTool(), dir, map[string]any{})
	if list.IsError() || !strings.Contains(list.Text, "[x] #1 write docs") {
		t.Fatalf("task_list: %+v", list)
	}
}

// ---------------------------------------------------------------------------
// truncation
// ---------------------------------------------------------------------------

func TestTruncateHeadKeepsStart(t *testing.T) {
	content := strings.Repeat("line\n", 100) + "end"
	tr := TruncateHead(content, 10, 1<<20)
	if !tr.Truncated || tr.TruncatedBy != "lines" || tr.OutputLines != 10 {
		t.Fatalf("unexpected: %+v", tr)
	}
	if !strings.HasPrefix(tr.Content, "line") {
		t.Fatalf("head lost: %q", tr.Content)
	}
}

func TestTruncateTailKeepsEnd(t *testing.T) {
	content := "start\n" + strings.Repeat("line\n", 100) + "end"
	tr := TruncateTail(content, 10, 1<<20)
	if !tr.Truncated || !strings.HasSuffix(tr.Content, "end") {
		t.Fatalf("tail lost: %+v", tr)
	}
}

func TestTruncateNoopWhenSmall(t *testing.T) {
	tr := TruncateHead("tiny", 10, 100)
	if tr.Truncated || tr.Content != "tiny" {
		t.Fatalf("unexpected: %+v", tr)
	}
}
