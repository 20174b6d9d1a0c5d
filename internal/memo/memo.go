// Package memo reads and drains the memo inbox (Memos/inbox.md). Memos
// are signals, not records: a memo block exists in the inbox only until
// the orchestration consumes it, and its historical trace lives in
// version control rather than in a status field. Drain therefore
// performs an atomic load-and-clear — read the contents, truncate the
// file — so a daemon restart never re-observes consumed memos.
package memo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Memo is one parsed inbox block.
type Memo struct {
	ID        string // 6-hex identifier from the block header
	Timestamp time.Time
	From      string
	Body      string
}

// headerRe matches a memo block header: `## [abc123] 2026-03-01T10:00:00`.
var headerRe = regexp.MustCompile(`^## \[([0-9a-f]{6})\]\s+(\S+)\s*$`)

// fromRe matches the conventional author line: `- **From**: user`.
var fromRe = regexp.MustCompile(`^- \*\*From\*\*:\s*(.+)$`)

// InboxPath returns the conventional inbox location under a project root.
func InboxPath(projectRoot string) string {
	return filepath.Join(projectRoot, "Memos", "inbox.md")
}

// Parse splits inbox file contents into memo blocks. Content before the
// first block header is ignored (a leading title line is conventional).
// A header whose timestamp does not parse is kept with a zero Timestamp
// rather than dropped — the memo is still a signal.
func Parse(data []byte) []Memo {
	var memos []Memo
	var cur *Memo
	var body []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		memos = append(memos, *cur)
		cur = nil
		body = nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Memo{ID: m[1]}
			if ts, err := time.Parse("2006-01-02T15:04:05", m[2]); err == nil {
				cur.Timestamp = ts
			} else if ts, err := time.Parse(time.RFC3339, m[2]); err == nil {
				cur.Timestamp = ts
			}
			continue
		}
		if cur == nil {
			continue
		}
		if m := fromRe.FindStringSubmatch(line); m != nil && cur.From == "" {
			cur.From = strings.TrimSpace(m[1])
			continue
		}
		body = append(body, line)
	}
	flush()
	return memos
}

// Load reads and parses the inbox file. A missing inbox is an empty
// inbox, not an error.
func Load(path string) ([]Memo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data), nil
}

// Drain atomically consumes the inbox: it reads the current contents,
// truncates the file, and returns the memos that were present. After
// Drain returns, the filesystem itself encodes "nothing pending" — a
// restart does not re-fire on the returned memos.
func Drain(path string) ([]Memo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	memos := Parse(data)
	if len(memos) == 0 {
		return nil, nil
	}
	// Truncate before acting on the contents: a crash after the truncate
	// and before the caller acts on the memos loses them, which is
	// accepted; re-firing after a restart is not.
	if err := os.Truncate(path, 0); err != nil {
		return nil, fmt.Errorf("memo: truncate inbox: %w", err)
	}
	return memos, nil
}

// Render formats memos for inclusion in an Architect prompt.
func Render(memos []Memo) string {
	var sb strings.Builder
	for i, m := range memos {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]", m.ID)
		if !m.Timestamp.IsZero() {
			fmt.Fprintf(&sb, " %s", m.Timestamp.Format("2006-01-02T15:04:05"))
		}
		if m.From != "" {
			fmt.Fprintf(&sb, " from %s", m.From)
		}
		sb.WriteString("\n")
		sb.WriteString(m.Body)
	}
	return sb.String()
}
