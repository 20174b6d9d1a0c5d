package issue

import (
	"os"
	"path/filepath"
	"testing"
)

func writeIssueFile(t *testing.T, root string, typ Type, status Status, id, title string) string {
	t.Helper()
	dir := filepath.Join(root, "Issues", dirFor(typ), string(status))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+"-"+slugify(title)+".md")
	content := "---\nid: " + id + "\ntype: " + string(typ) + "\nstatus: " + string(status) +
		"\nstage: draft\ntitle: \"" + title + "\"\ncreated_at: '2026-01-01T00:00:00Z'\n" +
		"updated_at: '2026-01-01T00:00:00Z'\nfiles: []\nsolution: null\n---\nbody text\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	path := writeIssueFile(t, root, TypeFeat, StatusOpen, "FEAT-0001", "Add rate limit")

	iss, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if iss.Front.ID != "FEAT-0001" || iss.Front.Stage != StageDraft {
		t.Fatalf("unexpected front: %+v", iss.Front)
	}
	if iss.Body != "body text\n" {
		t.Fatalf("body = %q", iss.Body)
	}

	iss.Front.Stage = StageDoing
	if err := Save(iss); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Front.Stage != StageDoing {
		t.Fatalf("stage not persisted: %+v", reloaded.Front)
	}
}

func TestListAndFind(t *testing.T) {
	root := t.TempDir()
	writeIssueFile(t, root, TypeFeat, StatusOpen, "FEAT-0001", "First")
	writeIssueFile(t, root, TypeFix, StatusClosed, "FIX-0001", "Second")
	writeIssueFile(t, root, TypeFeat, StatusArchived, "FEAT-0002", "Archived one")

	s := New(root)

	issues, err := s.List(false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("got %d issues excluding archived, want 2", len(issues))
	}

	all, err := s.List(true)
	if err != nil {
		t.Fatalf("List(true): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d issues including archived, want 3", len(all))
	}

	found, err := s.Find("FIX-0001")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.Front.Title != "Second" {
		t.Fatalf("found wrong issue: %+v", found.Front)
	}

	if _, err := s.Find("FEAT-9999"); err == nil {
		t.Fatal("expected error for missing issue")
	}
}

func TestNextID(t *testing.T) {
	root := t.TempDir()
	writeIssueFile(t, root, TypeFeat, StatusOpen, "FEAT-0001", "First")
	writeIssueFile(t, root, TypeFeat, StatusClosed, "FEAT-0003", "Third")

	s := New(root)
	id, err := s.NextID(TypeFeat)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != "FEAT-0004" {
		t.Fatalf("NextID = %q, want FEAT-0004", id)
	}

	id, err = s.NextID(TypeFix)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != "FIX-0001" {
		t.Fatalf("NextID = %q, want FIX-0001", id)
	}
}

func TestExtrasPreservedOnSave(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Issues", "Features", "open")
	os.MkdirAll(dir, 0o755)
	path := filepath.Join(dir, "FEAT-0001-x.md")
	content := "---\nid: FEAT-0001\ntype: feature\nstatus: open\nstage: draft\n" +
		"title: \"X\"\ncreated_at: '2026-01-01T00:00:00Z'\nupdated_at: '2026-01-01T00:00:00Z'\n" +
		"files: []\nsolution: null\ncustom_field: keep-me\n---\nbody\n"
	os.WriteFile(path, []byte(content), 0o644)

	iss, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Save(iss); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !contains(string(data), "custom_field") {
		t.Fatalf("custom_field dropped on save: %s", data)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestFilenameSlug(t *testing.T) {
	iss := &Issue{Front: Front{ID: "FEAT-0042", Title: "Add Rate Limit!"}}
	if got := iss.Filename(); got != "FEAT-0042-add-rate-limit.md" {
		t.Fatalf("Filename() = %q", got)
	}
}
