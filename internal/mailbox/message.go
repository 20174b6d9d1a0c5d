// Package mailbox implements the mailbox protocol: an at-least-once,
// debounced, retryable message transport between external chat
// providers and the project, laid out as a directory tree of
// one-file-per-message YAML+Markdown documents. Concrete provider wire
// codecs live outside the daemon; adapters implement OutboundAdapter
// and the inbound side only writes files, so this package carries the
// protocol, not the providers.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/monocod/internal/record"
)

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Mention is one structured mention in a message's participants block.
type Mention struct {
	Type   string `yaml:"type"` // user | all | channel | role
	Target string `yaml:"target,omitempty"`
	Name   string `yaml:"name,omitempty"`
}

// Participants is the structured from/to/cc/bcc/mentions block.
type Participants struct {
	From     string    `yaml:"from,omitempty"`
	To       []string  `yaml:"to,omitempty"`
	CC       []string  `yaml:"cc,omitempty"`
	BCC      []string  `yaml:"bcc,omitempty"`
	Mentions []Mention `yaml:"mentions,omitempty"`
}

// SessionRef ties a message to a provider-side chat session.
type SessionRef struct {
	ID        string `yaml:"id"`
	ThreadKey string `yaml:"thread_key,omitempty"`
}

// Artifact references a content-addressed blob by short hash.
type Artifact struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	MimeType string `yaml:"mime_type,omitempty"`
	Size     int64  `yaml:"size,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// Front is a mailbox message's typed YAML preamble.
type Front struct {
	ID           string       `yaml:"id"`
	Provider     string       `yaml:"provider"`
	Direction    Direction    `yaml:"direction"`
	ContentType  string       `yaml:"content_type,omitempty"`
	CreatedAt    time.Time    `yaml:"created_at"`
	SentAt       *time.Time   `yaml:"sent_at,omitempty"`
	Status       string       `yaml:"status,omitempty"`
	RetryCount   int          `yaml:"retry_count"`
	NextRetryAt  *time.Time   `yaml:"next_retry_at,omitempty"`
	ErrorMessage string       `yaml:"error_message,omitempty"`
	Session      SessionRef   `yaml:"session"`
	Participants Participants `yaml:"participants"`
	Artifacts    []Artifact   `yaml:"artifacts,omitempty"`
}

// Message is one parsed mailbox file: typed preamble, body text, any
// unknown preamble keys (preserved across round trips), and the path it
// was read from.
type Message struct {
	Front  Front
	Body   string
	Extras map[string]yaml.Node
	Path   string
}

// Validate checks the fixed preamble schema an inbound adapter must
// satisfy before the file is accepted.
func (m *Message) Validate() error {
	if m.Front.ID == "" {
		return fmt.Errorf("mailbox: message has no id")
	}
	if m.Front.Provider == "" {
		return fmt.Errorf("mailbox: message %s has no provider", m.Front.ID)
	}
	if m.Front.Direction != Inbound && m.Front.Direction != Outbound {
		return fmt.Errorf("mailbox: message %s has direction %q", m.Front.ID, m.Front.Direction)
	}
	if m.Front.Session.ID == "" {
		return fmt.Errorf("mailbox: message %s has no session id", m.Front.ID)
	}
	return nil
}

// Filename returns the time-sortable conventional basename,
// `<ISO-timestamp>_<id>.md`.
func (m *Message) Filename() string {
	ts := m.Front.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("%s_%s.md", ts.UTC().Format("20060102T150405.000000000Z"), m.Front.ID)
}

// Read parses one message file.
func Read(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pre, err := record.Split(data)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %s: %w", path, err)
	}
	var front Front
	extras, err := record.DecodeExtras(pre.Front, &front)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %s: %w", path, err)
	}
	return &Message{Front: front, Body: pre.Body, Extras: extras, Path: path}, nil
}

// Write persists a message into dir under its conventional filename
// using write-temp-then-rename, so a concurrently running watcher never
// observes a half-written preamble. The message's Path is updated.
func Write(msg *Message, dir string) error {
	front, err := record.EncodeExtras(&msg.Front, msg.Extras)
	if err != nil {
		return fmt.Errorf("mailbox: encode %s: %w", msg.Front.ID, err)
	}
	data := record.Join(front, msg.Body)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	dest := filepath.Join(dir, msg.Filename())
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return err
	}
	msg.Path = dest
	return nil
}

// rewriteInPlace re-serializes a message at its current Path, atomically.
func rewriteInPlace(msg *Message) error {
	front, err := record.EncodeExtras(&msg.Front, msg.Extras)
	if err != nil {
		return err
	}
	data := record.Join(front, msg.Body)
	dir := filepath.Dir(msg.Path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, msg.Path)
}

// IsMessageFile reports whether a directory entry name looks like a
// mailbox message (skips lock files, temp files, and dotfiles).
func IsMessageFile(name string) bool {
	return strings.HasSuffix(name, ".md") && !strings.HasPrefix(name, ".")
}
