package builtin

import "fmt"

// TruncationResult describes what a truncation pass kept and why.
type TruncationResult struct {
	Content               string
	Truncated             bool
	TruncatedBy           string // "lines" | "bytes" | ""
	TotalLines            int
	TotalBytes            int
	OutputLines           int
	OutputBytes           int
	LastLinePartial       bool
	FirstLineExceedsLimit bool
}

// FormatSize formats a byte count as a human-readable string.
func FormatSize(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}

// TruncateHead keeps the beginning of content up to maxLines or maxBytes.
// It never returns a partial line, except that a first line over the byte
// limit yields empty content with FirstLineExceedsLimit set.
func TruncateHead(content string, maxLines, maxBytes int) TruncationResult {
	lines := splitLines(content)
	totalLines := len(lines)
	totalBytes := len(content)

	if totalLines <= maxLines && totalBytes <= maxBytes {
		return TruncationResult{
			Content:     content,
			TotalLines:  totalLines,
			TotalBytes:  totalBytes,
			OutputLines: totalLines,
			OutputBytes: totalBytes,
		}
	}

	if len(lines) > 0 && len(lines[0]) > maxBytes {
		return TruncationResult{
			Truncated:             true,
			TruncatedBy:           "bytes",
			TotalLines:            totalLines,
			TotalBytes:            totalBytes,
			FirstLineExceedsLimit: true,
		}
	}

	out := make([]string, 0, min(maxLines, totalLines))
	outBytes := 0
	truncatedBy := "lines"

	for i, line := range lines {
		if i >= maxLines {
			break
		}
		sep := 0
		if i > 0 {
			sep = 1
		}
		if outBytes+len(line)+sep > maxBytes {
			truncatedBy = "bytes"
			break
		}
		out = append(out, line)
		outBytes += len(line) + sep
	}
	if len(out) >= maxLines && outBytes <= maxBytes {
		truncatedBy = "lines"
	}

	joined := joinLines(out)
	return TruncationResult{
		Content:     joined,
		Truncated:   true,
		TruncatedBy: truncatedBy,
		TotalLines:  totalLines,
		TotalBytes:  totalBytes,
		OutputLines: len(out),
		OutputBytes: len(joined),
	}
}

// TruncateTail keeps the end of content up to maxLines or maxBytes. When the
// final line alone exceeds maxBytes, a partial last line is returned with
// LastLinePartial set.
func TruncateTail(content string, maxLines, maxBytes int) TruncationResult {
	lines := splitLines(content)
	totalLines := len(lines)
	totalBytes := len(content)

	if totalLines <= maxLines && totalBytes <= maxBytes {
		return TruncationResult{
			Content:     content,
			TotalLines:  totalLines,
			TotalBytes:  totalBytes,
			OutputLines: totalLines,
			OutputBytes: totalBytes,
		}
	}

	out := make([]string, 0, min(maxLines, totalLines))
	outBytes := 0
	truncatedBy := "lines"
	lastLinePartial := false

	for i := len(lines) - 1; i >= 0 && len(out) < maxLines; i-- {
		line := lines[i]
		sep := 0
		if len(out) > 0 {
			sep = 1
		}
		if outBytes+len(line)+sep > maxBytes {
			truncatedBy = "bytes"
			if len(out) == 0 {
				partial := tailBytes(line, maxBytes)
				out = append([]string{partial}, out...)
				outBytes = len(partial)
				lastLinePartial = true
			}
			break
		}
		out = append([]string{line}, out...)
		outBytes += len(line) + sep
	}
	if len(out) >= maxLines && outBytes <= maxBytes {
		truncatedBy = "lines"
	}

	joined := joinLines(out)
	return TruncationResult{
		Content:         joined,
		Truncated:       true,
		TruncatedBy:     truncatedBy,
		TotalLines:      totalLines,
		TotalBytes:      totalBytes,
		OutputLines:     len(out),
		OutputBytes:     len(joined),
		LastLinePartial: lastLinePartial,
	}
}

func splitLines(s string) []string {
	if s == "" {
		return []string{""}
	}
	out := make([]string, 0, 64)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	total := len(lines) - 1
	for _, l := range lines {
		total += len(l)
	}
	buf := make([]byte, 0, total)
	for i, l := range lines {
		buf = append(buf, l...)
		if i < len(lines)-1 {
			buf = append(buf, '\n')
		}
	}
	return string(buf)
}

// tailBytes returns the last maxBytes of s, aligned to a UTF-8 rune start.
func tailBytes(s string, maxBytes int) string {
	b := []byte(s)
	if len(b) <= maxBytes {
		return s
	}
	start := len(b) - maxBytes
	for start < len(b) && (b[start]&0xc0) == 0x80 {
		start++
	}
	return string(b[start:])
}
