package state

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestGetDefaultsToDestroyed(t *testing.T) {
	s, _ := openTestStore(t)

	rec, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusDestroyed {
		t.Errorf("status = %q, want %q", rec.Status, StatusDestroyed)
	}
	if rec.ContainerID != "" || rec.InstanceID != "" {
		t.Errorf("fresh record carries identifiers: %+v", rec)
	}
}

func TestSaveRoundtrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	in := Record{
		InstanceID:  "inst-1",
		ContainerID: "abc123",
		Status:      StatusRunning,
		Ports:       map[string]string{"22": "40022", "8080": "40080"},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.InstanceID != in.InstanceID || out.ContainerID != in.ContainerID || out.Status != in.Status {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if len(out.Ports) != 2 || out.Ports["22"] != "40022" || out.Ports["8080"] != "40080" {
		t.Errorf("ports = %v", out.Ports)
	}
}

func TestSaveRejectsInvalidStatus(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.Save(context.Background(), Record{Status: "bogus"})
	if err == nil {
		t.Fatal("Save accepted an invalid status")
	}
}

func TestClearResetsToDestroyed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Record{InstanceID: "inst-1", ContainerID: "c1", Status: StatusRunning}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	rec, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusDestroyed || rec.ContainerID != "" {
		t.Errorf("after Clear: %+v", rec)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	in := Record{
		InstanceID:  "inst-1",
		ContainerID: "c1",
		Status:      StatusPaused,
		Ports:       map[string]string{"22": "40022"},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	out, err := reopened.Get(ctx)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if out.Status != StatusPaused || out.ContainerID != "c1" || out.Ports["22"] != "40022" {
		t.Errorf("after reopen: %+v", out)
	}
}

func TestFailedSaveLeavesCacheUntouched(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Record{InstanceID: "inst-1", ContainerID: "c1", Status: StatusRunning}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Closing the database makes the next durable write fail while the cache
	// still holds the last committed record.
	s.db.Close()

	err := s.Save(ctx, Record{InstanceID: "inst-1", ContainerID: "c1", Status: StatusPaused})
	if err == nil {
		t.Fatal("Save on closed database succeeded")
	}

	rec, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Errorf("cache advanced past failed save: status = %q", rec.Status)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Record{InstanceID: "inst-1", Status: StatusRunning, Ports: map[string]string{"22": "40022"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, _ := s.Get(ctx)
	first.Ports["22"] = "tampered"

	second, _ := s.Get(ctx)
	if second.Ports["22"] != "40022" {
		t.Errorf("mutation through returned record leaked into cache: %v", second.Ports)
	}
}
