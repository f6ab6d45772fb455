package history

import (
	"testing"

	"procmap/api/internal/process"
)

func strPtr(s string) *string {
	return &s
}

func snapshotV1() Snapshot {
	return Snapshot{
		Title: "Commande client",
		Steps: []process.Step{
			{ID: "s1", Type: process.StepStart, Label: "Début", YesTargetID: strPtr("s2")},
			{ID: "s2", Type: process.StepFinish, Label: "Fin"},
		},
	}
}

func TestCommitAndHistory(t *testing.T) {
	svc := New(t.TempDir())

	first, err := svc.Commit("p1", snapshotV1(), "Marie", "Create process")
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if len(first.Hash) != 7 {
		t.Errorf("hash should be abbreviated to 7 chars, got %q", first.Hash)
	}
	if first.Author != "Marie" {
		t.Errorf("author = %q", first.Author)
	}

	second := snapshotV1()
	second.Title = "Commande client v2"
	if _, err := svc.Commit("p1", second, "Paul", "Update process"); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	commits, err := svc.History("p1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits", len(commits))
	}
	// Newest first.
	if commits[0].Author != "Paul" || commits[1].Author != "Marie" {
		t.Errorf("order = %s, %s", commits[0].Author, commits[1].Author)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())

	for i, title := range []string{"v1", "v2", "v3"} {
		snap := snapshotV1()
		snap.Title = title
		if _, err := svc.Commit("p1", snap, "Marie", "Update process"); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	commits, err := svc.History("p1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(commits) != 2 {
		t.Errorf("limit ignored, got %d commits", len(commits))
	}
}

func TestHistoryMissingRepoIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	commits, err := svc.History("never-saved", 10)
	if err != nil {
		t.Fatalf("History on missing repo: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("got %d commits for a process with no history", len(commits))
	}
}

func TestGetSnapshotByHash(t *testing.T) {
	svc := New(t.TempDir())

	info, err := svc.Commit("p1", snapshotV1(), "Marie", "Create process")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, err := svc.GetSnapshotByHash("p1", info.Hash)
	if err != nil {
		t.Fatalf("GetSnapshotByHash with abbreviated hash: %v", err)
	}
	if snap.Title != "Commande client" || len(snap.Steps) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRemove(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.Commit("p1", snapshotV1(), "Marie", "Create process"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := svc.Remove("p1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	commits, err := svc.History("p1", 10)
	if err != nil {
		t.Fatalf("History after remove: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("history should be gone, got %d commits", len(commits))
	}
}
