package agent

import "strings"

// statusTagParser extracts <status>…</status> spans from streamed text
// deltas. Tag content becomes status_update events; everything else passes
// through untouched. Tags may straddle chunk boundaries, so the parser
// buffers a possible partial open tag (at most len("<status") bytes in
// normal state) or the content of an open tag until its close arrives.
type statusTagParser struct {
	buf    string
	inside bool
}

const (
	statusOpenTag  = "<status>"
	statusCloseTag = "</status>"

	// An open tag whose content grows past this is treated as ordinary
	// text; real status lines are short.
	maxStatusContent = 4096
)

// Feed processes one delta and returns the clean user-visible text plus any
// completed status spans, in order.
func (p *statusTagParser) Feed(delta string) (clean string, statuses []string) {
	s := p.buf + delta
	p.buf = ""
	var out strings.Builder

	for s != "" {
		if p.inside {
			if i := strings.Index(s, statusCloseTag); i >= 0 {
				statuses = append(statuses, strings.TrimSpace(s[:i]))
				s = s[i+len(statusCloseTag):]
				p.inside = false
				continue
			}
			if len(s) > maxStatusContent {
				out.WriteString(statusOpenTag)
				out.WriteString(s)
				p.inside = false
				s = ""
				continue
			}
			// Close tag not seen yet; hold the content (including any
			// partial close tag at the tail).
			p.buf = s
			return out.String(), statuses
		}

		if i := strings.Index(s, statusOpenTag); i >= 0 {
			out.WriteString(s[:i])
			s = s[i+len(statusOpenTag):]
			p.inside = true
			continue
		}

		// No complete open tag. A prefix of one may end the chunk; keep it
		// buffered and emit the rest.
		k := partialTagSuffix(s)
		out.WriteString(s[:len(s)-k])
		p.buf = s[len(s)-k:]
		return out.String(), statuses
	}
	return out.String(), statuses
}

// Flush returns whatever text the parser is still holding. Called when the
// stream ends: an unterminated tag is restored verbatim so no model output
// is lost.
func (p *statusTagParser) Flush() string {
	s := p.buf
	p.buf = ""
	if p.inside {
		p.inside = false
		return statusOpenTag + s
	}
	return s
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of the open tag.
func partialTagSuffix(s string) int {
	max := len(statusOpenTag) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, statusOpenTag[:k]) {
			return k
		}
	}
	return 0
}
