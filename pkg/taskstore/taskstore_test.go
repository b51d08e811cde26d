package taskstore

import (
	"path/filepath"
	"testing"
)

func TestAddAndList(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "tasks.json"))

	a, err := s.Add("write tests", "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Add("ship it", "after review")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Status != StatusPending {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "tasks.json"))
	task, err := s.Add("refactor", "")
	if err != nil {
		t.Fatal(err)
	}

	updated, err := s.Update(task.ID, StatusInProgress, "started")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusInProgress || updated.Notes != "started" {
		t.Fatalf("update lost fields: %+v", updated)
	}

	if _, err := s.Update(999, StatusDone, ""); err == nil {
		t.Fatal("expected error for unknown task id")
	}
	if _, err := s.Update(task.ID, Status("bogus"), ""); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	s := Open(path)
	if _, err := s.Add("one", ""); err != nil {
		t.Fatal(err)
	}

	s2 := Open(path)
	task, err := s2.Add("two", "")
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != 2 {
		t.Fatalf("id counter reset after reopen: %d", task.ID)
	}
	list, err := s2.List()
	if err != nil || len(list) != 2 {
		t.Fatalf("list after reopen: %+v err=%v", list, err)
	}
}
