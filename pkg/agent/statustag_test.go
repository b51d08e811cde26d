package agent

import (
	"strings"
	"testing"
)

func feedAll(p *statusTagParser, chunks []string) (string, []string) {
	var clean strings.Builder
	var statuses []string
	for _, c := range chunks {
		text, st := p.Feed(c)
		clean.WriteString(text)
		statuses = append(statuses, st...)
	}
	clean.WriteString(p.Flush())
	return clean.String(), statuses
}

func TestStatusTagSingleChunk(t *testing.T) {
	p := &statusTagParser{}
	clean, statuses := feedAll(p, []string{"before <status>reading files</status> after"})
	if clean != "before  after" {
		t.Fatalf("clean = %q", clean)
	}
	if len(statuses) != 1 || statuses[0] != "reading files" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestStatusTagAcrossChunks(t *testing.T) {
	p := &statusTagParser{}
	clean, statuses := feedAll(p, []string{"hello <st", "atus>wor", "king</stat", "us> world"})
	if clean != "hello  world" {
		t.Fatalf("clean = %q", clean)
	}
	if len(statuses) != 1 || statuses[0] != "working" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestStatusTagMultipleInOneDelta(t *testing.T) {
	p := &statusTagParser{}
	clean, statuses := feedAll(p, []string{"<status>a</status>x<status>b</status>y"})
	if clean != "xy" {
		t.Fatalf("clean = %q", clean)
	}
	if len(statuses) != 2 || statuses[0] != "a" || statuses[1] != "b" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestPartialOpenThatNeverCompletes(t *testing.T) {
	p := &statusTagParser{}
	// "<st" looks like a tag prefix but the next chunk disambiguates.
	clean, statuses := feedAll(p, []string{"a <st", "rong> b"})
	if clean != "a <strong> b" {
		t.Fatalf("clean = %q", clean)
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestUnclosedTagFlushesVerbatim(t *testing.T) {
	p := &statusTagParser{}
	clean, statuses := feedAll(p, []string{"x <status>never closed"})
	if clean != "x <status>never closed" {
		t.Fatalf("clean = %q", clean)
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestBufferStaysBoundedOutsideTags(t *testing.T) {
	p := &statusTagParser{}
	for i := 0; i < 1000; i++ {
		p.Feed("plain text without any tags ")
	}
	if len(p.buf) >= len(statusOpenTag) {
		t.Fatalf("buffer grew to %d bytes", len(p.buf))
	}
}

func TestDeltaConcatenationEqualsFinalText(t *testing.T) {
	chunks := []string{"The answer", " is <status>calculati", "ng</status>", "42."}
	p := &statusTagParser{}
	clean, _ := feedAll(p, chunks)
	if clean != "The answer is 42." {
		t.Fatalf("clean = %q", clean)
	}
}
