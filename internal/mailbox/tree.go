package mailbox

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/monocod/internal/monocoerr"
)

// Tree roots the mailbox directory layout:
//
//	inbound/<provider>/
//	outbound/<provider>/
//	archive/<provider>/
//	.deadletter/<provider>/
type Tree struct {
	Root string // .monoco/mailbox
}

// NewTree returns a Tree rooted at root (typically <data>/mailbox).
func NewTree(root string) *Tree {
	return &Tree{Root: root}
}

func (t *Tree) Inbound(provider string) string {
	return filepath.Join(t.Root, "inbound", provider)
}

func (t *Tree) Outbound(provider string) string {
	return filepath.Join(t.Root, "outbound", provider)
}

func (t *Tree) Archive(provider string) string {
	return filepath.Join(t.Root, "archive", provider)
}

func (t *Tree) Deadletter(provider string) string {
	return filepath.Join(t.Root, ".deadletter", provider)
}

// Providers lists the provider subdirectories present under one branch
// of the tree (inbound/outbound).
func (t *Tree) Providers(branch string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(t.Root, branch))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// FindInbound locates an inbound message by id, searching every
// provider directory.
func (t *Tree) FindInbound(id string) (*Message, error) {
	providers, err := t.Providers("inbound")
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		dir := t.Inbound(p)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !IsMessageFile(e.Name()) {
				continue
			}
			msg, err := Read(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			if msg.Front.ID == id {
				return msg, nil
			}
		}
	}
	return nil, monocoerr.Newf(monocoerr.ValidationFailure, "inbound message %s not found", id)
}

// lock is the claim-lock payload written next to a claimed message.
type lock struct {
	Claimer   string    `json:"claimer"`
	Lease     int64     `json:"lease"` // monotonic per claim, unix nanos
	ClaimedAt time.Time `json:"claimed_at"`
}

func lockPath(msg *Message) string {
	return filepath.Join(filepath.Dir(msg.Path), msg.Front.ID+".lock")
}

// Claim creates a lock file for an inbound message, recording the
// claimer identity and a monotonic lease. A message already locked by
// another claimer is rejected with PreconditionFailure; re-claiming by
// the same claimer refreshes the lease.
func (t *Tree) Claim(id, claimer string) (*Message, error) {
	msg, err := t.FindInbound(id)
	if err != nil {
		return nil, err
	}
	lp := lockPath(msg)
	if data, err := os.ReadFile(lp); err == nil {
		var existing lock
		if json.Unmarshal(data, &existing) == nil && existing.Claimer != claimer {
			return nil, monocoerr.Newf(monocoerr.PreconditionFailure,
				"message %s already claimed by %s", id, existing.Claimer)
		}
	}
	data, err := json.Marshal(lock{Claimer: claimer, Lease: time.Now().UnixNano(), ClaimedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(lp, data); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	return msg, nil
}

// Done archives a claimed message and deletes its lock. Archiving an
// already-archived id is an error, not a second archive.
func (t *Tree) Done(id, claimer string) error {
	msg, err := t.FindInbound(id)
	if err != nil {
		return err
	}
	if err := t.requireLock(msg, claimer); err != nil {
		return err
	}
	dest := t.Archive(msg.Front.Provider)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	if err := os.Rename(msg.Path, filepath.Join(dest, filepath.Base(msg.Path))); err != nil {
		return monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	os.Remove(lockPath(msg))
	return nil
}

// Fail records a processing failure: increments the retry counter,
// schedules the next attempt with backoff, and releases the lock. Past
// maxRetries the message moves to the dead-letter directory.
func (t *Tree) Fail(id, claimer, reason string, policy RetryPolicy) error {
	msg, err := t.FindInbound(id)
	if err != nil {
		return err
	}
	if err := t.requireLock(msg, claimer); err != nil {
		return err
	}

	msg.Front.RetryCount++
	msg.Front.ErrorMessage = reason
	next := time.Now().UTC().Add(policy.Delay(msg.Front.RetryCount))
	msg.Front.NextRetryAt = &next

	if msg.Front.RetryCount > policy.MaxRetries {
		dest := t.Deadletter(msg.Front.Provider)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return monocoerr.Wrap(monocoerr.TransientIO, err)
		}
		msg.Front.Status = "deadletter"
		if err := rewriteInPlace(msg); err != nil {
			return monocoerr.Wrap(monocoerr.TransientIO, err)
		}
		if err := os.Rename(msg.Path, filepath.Join(dest, filepath.Base(msg.Path))); err != nil {
			return monocoerr.Wrap(monocoerr.TransientIO, err)
		}
	} else {
		if err := rewriteInPlace(msg); err != nil {
			return monocoerr.Wrap(monocoerr.TransientIO, err)
		}
	}
	os.Remove(lockPath(msg))
	return nil
}

// requireLock verifies claimer currently holds the message's lock.
func (t *Tree) requireLock(msg *Message, claimer string) error {
	data, err := os.ReadFile(lockPath(msg))
	if err != nil {
		return monocoerr.Newf(monocoerr.PreconditionFailure,
			"message %s is not claimed", msg.Front.ID)
	}
	var l lock
	if err := json.Unmarshal(data, &l); err != nil || l.Claimer != claimer {
		return monocoerr.Newf(monocoerr.PreconditionFailure,
			"message %s is claimed by another consumer", msg.Front.ID)
	}
	return nil
}

// RetryPolicy computes exponential backoff with jitter for failed
// message processing: base * factor^(attempt-1), jittered ±20%, capped.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy matches the protocol defaults: base 5s, factor 2,
// jitter ±20%, cap 1h, 5 retries before dead-lettering.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 5 * time.Second, Factor: 2, Cap: time.Hour, MaxRetries: 5}
}

// Delay returns the backoff before the given (1-based) retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			d = float64(p.Cap)
			break
		}
	}
	// ±20% jitter spreads retry storms from a burst of failures.
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	out := time.Duration(d * jitter)
	if out > p.Cap {
		out = p.Cap
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
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
	return os.Rename(tmpPath, path)
}
