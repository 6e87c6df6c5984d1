// Package scanner implements the pre-receive content gate. It looks for
// credential-shaped strings in the objects a push introduces and rejects the
// whole push when it finds any.
package scanner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LineKind classifies a line inside a hunk.
type LineKind int

const (
	Context LineKind = iota
	Added
	Removed
)

func (k LineKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "context"
	}
}

// Line is one line of a hunk without its leading marker or trailing newline.
type Line struct {
	Kind LineKind
	Text string
	// NewLineNo is the line number in the new file; zero for removed lines.
	NewLineNo int
}

// Hunk is one "@@" section of a file diff.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// FileDiff is the difference for a single file. A path of "/dev/null" marks
// a file that did not exist on that side.
type FileDiff struct {
	OldPath string
	NewPath string
	Binary  bool
	Hunks   []Hunk
}

const devNull = "/dev/null"

// Path returns the name findings are reported under.
func (f *FileDiff) Path() string {
	if f.NewPath != "" && f.NewPath != devNull {
		return f.NewPath
	}
	return f.OldPath
}

// AddedLines returns every added line across all hunks.
func (f *FileDiff) AddedLines() []Line {
	var out []Line
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Kind == Added {
				out = append(out, l)
			}
		}
	}
	return out
}

// ParseDiff parses the output of "git diff" with a/ and b/ prefixes. Hunk
// bodies are consumed by their header counts, so content lines that happen to
// look like headers are read as content.
func ParseDiff(r io.Reader) ([]*FileDiff, error) {
	p := &diffParser{r: bufio.NewReaderSize(r, 64<<10)}
	return p.parse()
}

type diffParser struct {
	r      *bufio.Reader
	lineNo int
	peeked *string
}

func (p *diffParser) next() (string, bool, error) {
	if p.peeked != nil {
		l := *p.peeked
		p.peeked = nil
		return l, true, nil
	}
	raw, err := p.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, err
	}
	if raw == "" && errors.Is(err, io.EOF) {
		return "", false, nil
	}
	p.lineNo++
	return strings.TrimSuffix(raw, "\n"), true, nil
}

func (p *diffParser) unread(l string) { p.peeked = &l }

func (p *diffParser) parse() ([]*FileDiff, error) {
	var files []*FileDiff
	var cur *FileDiff

	for {
		line, ok, err := p.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return files, nil
		}

		switch {
		case strings.HasPrefix(line, "diff --git "):
			cur = &FileDiff{}
			cur.OldPath, cur.NewPath = splitGitHeader(strings.TrimPrefix(line, "diff --git "))
			files = append(files, cur)
		case cur == nil:
			// Preamble before the first file header.
		case strings.HasPrefix(line, "--- "):
			cur.OldPath = parsePath(strings.TrimPrefix(line, "--- "), "a/")
		case strings.HasPrefix(line, "+++ "):
			cur.NewPath = parsePath(strings.TrimPrefix(line, "+++ "), "b/")
		case strings.HasPrefix(line, "rename from "):
			cur.OldPath = unquote(strings.TrimPrefix(line, "rename from "))
		case strings.HasPrefix(line, "rename to "):
			cur.NewPath = unquote(strings.TrimPrefix(line, "rename to "))
		case strings.HasPrefix(line, "Binary files ") || line == "GIT binary patch":
			cur.Binary = true
		case strings.HasPrefix(line, "@@ "):
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", p.lineNo, err)
			}
			if err := p.readHunkBody(&h); err != nil {
				return nil, err
			}
			cur.Hunks = append(cur.Hunks, h)
		}
	}
}

func (p *diffParser) readHunkBody(h *Hunk) error {
	oldLeft, newLeft := h.OldLines, h.NewLines
	newNo := h.NewStart

	for oldLeft > 0 || newLeft > 0 {
		line, ok, err := p.next()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("line %d: hunk truncated", p.lineNo)
		}
		if line == "" {
			// Some tools strip the space from empty context lines.
			line = " "
		}
		switch line[0] {
		case '+':
			h.Lines = append(h.Lines, Line{Kind: Added, Text: line[1:], NewLineNo: newNo})
			newNo++
			newLeft--
		case '-':
			h.Lines = append(h.Lines, Line{Kind: Removed, Text: line[1:]})
			oldLeft--
		case ' ':
			h.Lines = append(h.Lines, Line{Kind: Context, Text: line[1:], NewLineNo: newNo})
			newNo++
			oldLeft--
			newLeft--
		case '\\':
			// "\ No newline at end of file"
		default:
			return fmt.Errorf("line %d: unexpected hunk line %q", p.lineNo, line)
		}
		if oldLeft < 0 || newLeft < 0 {
			return fmt.Errorf("line %d: hunk longer than its header", p.lineNo)
		}
	}

	// A trailing no-newline marker belongs to the hunk just read.
	line, ok, err := p.next()
	if err != nil {
		return err
	}
	if ok && !strings.HasPrefix(line, `\`) {
		p.unread(line)
	}
	return nil
}

// parseHunkHeader parses "@@ -a[,b] +c[,d] @@ ...". Omitted counts are 1.
func parseHunkHeader(line string) (Hunk, error) {
	var h Hunk
	rest := strings.TrimPrefix(line, "@@ ")
	end := strings.Index(rest, " @@")
	if end < 0 {
		return h, fmt.Errorf("malformed hunk header %q", line)
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return h, fmt.Errorf("malformed hunk header %q", line)
	}
	var err error
	if h.OldStart, h.OldLines, err = parseRange(fields[0][1:]); err != nil {
		return h, fmt.Errorf("hunk header %q: %w", line, err)
	}
	if h.NewStart, h.NewLines, err = parseRange(fields[1][1:]); err != nil {
		return h, fmt.Errorf("hunk header %q: %w", line, err)
	}
	return h, nil
}

func parseRange(s string) (start, count int, err error) {
	startStr, countStr, hasCount := strings.Cut(s, ",")
	if start, err = strconv.Atoi(startStr); err != nil {
		return 0, 0, err
	}
	count = 1
	if hasCount {
		if count, err = strconv.Atoi(countStr); err != nil {
			return 0, 0, err
		}
	}
	return start, count, nil
}

// parsePath decodes a ---/+++ operand. Git appends a tab to names containing
// spaces and C-quotes names with unusual bytes.
func parsePath(s, prefix string) string {
	s = strings.TrimSuffix(s, "\t")
	if s == devNull {
		return s
	}
	return strings.TrimPrefix(unquote(s), prefix)
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}

// splitGitHeader extracts both names from the operands of "diff --git". It
// is only a fallback for diffs without ---/+++ lines (binary or pure
// renames), where the names cannot be ambiguous for the common a/X b/X form.
func splitGitHeader(rest string) (oldPath, newPath string) {
	if strings.HasPrefix(rest, `"`) {
		if q, err := strconv.QuotedPrefix(rest); err == nil {
			oldPath = strings.TrimPrefix(unquote(q), "a/")
			newPath = strings.TrimPrefix(unquote(strings.TrimSpace(rest[len(q):])), "b/")
			return oldPath, newPath
		}
	}
	if n := len(rest); n >= 5 && (n-5)%2 == 0 {
		x := (n - 5) / 2
		if strings.HasPrefix(rest, "a/") && rest[2+x:5+x] == " b/" && rest[2:2+x] == rest[5+x:] {
			return rest[2 : 2+x], rest[5+x:]
		}
	}
	if i := strings.LastIndex(rest, " b/"); i >= 0 {
		return strings.TrimPrefix(rest[:i], "a/"), unquote(rest[i+3:])
	}
	return rest, rest
}
