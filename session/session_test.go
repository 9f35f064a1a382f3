package session

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, "test", "test-model", "/workspace")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, dir
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	s, _ := newTestStore(t)

	rng := rand.New(rand.NewSource(42))
	n := 50 + rng.Intn(50)
	for i := 0; i < n; i++ {
		role := RoleUser
		if rng.Intn(2) == 0 {
			role = RoleAssistant
		}
		seq, err := s.Append(Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if seq != uint64(i)+1 {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}

	turns := s.Snapshot()
	if len(turns) != n {
		t.Fatalf("expected %d turns, got %d", n, len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != uint64(i)+1 {
			t.Errorf("gap at index %d: seq %d", i, turn.Seq)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)

	appends := []Turn{
		{Role: RoleUser, Content: "list files"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		}},
		{Role: RoleTool, ToolCallID: "call_1", Status: StatusSuccess, Content: "main.go"},
		{Role: RoleAssistant, Content: "The directory contains main.go."},
	}
	for _, turn := range appends {
		if _, err := s.Append(turn); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	loaded, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(s.Snapshot(), loaded.Snapshot()) {
		t.Errorf("reloaded turns differ from original")
	}
	sess := loaded.Session()
	if sess.Model != "test-model" || sess.Workdir != "/workspace" {
		t.Errorf("session metadata did not round-trip: %+v", sess)
	}
}

func TestLoadUnknownSession(t *testing.T) {
	_, err := Load(t.TempDir(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadCorruptSession(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, "bad"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for unparsable data, got %v", err)
	}

	// Valid JSON but a sequence gap is corruption too.
	gap := `{"id":"gap","turns":[{"seq":1,"role":"user","content":"a"},{"seq":3,"role":"assistant","content":"b"}]}`
	if err := os.WriteFile(filepath.Join(dir, "gap.json"), []byte(gap), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, "gap"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for sequence gap, got %v", err)
	}
}

func TestAppendAllOrNothing(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	s, err := New(dir, "doomed", "m", "/w")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.Append(Turn{Role: RoleUser, Content: "first"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Pull the directory out from under the store so the durable write fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(Turn{Role: RoleUser, Content: "second"}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	turns := s.Snapshot()
	if len(turns) != 1 || turns[0].Content != "first" {
		t.Errorf("in-memory log diverged after failed append: %+v", turns)
	}
}

func TestOrphanToolResultRejected(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Append(Turn{Role: RoleTool, ToolCallID: "ghost", Status: StatusFailure}); !errors.Is(err, ErrOrphanResult) {
		t.Errorf("expected ErrOrphanResult for unmatched call id, got %v", err)
	}

	s.Append(Turn{Role: RoleUser, Content: "go"})
	s.Append(Turn{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "read_file"}}})
	if _, err := s.Append(Turn{Role: RoleTool, ToolCallID: "call_1", Status: StatusSuccess}); err != nil {
		t.Fatalf("matched result rejected: %v", err)
	}
	if _, err := s.Append(Turn{Role: RoleTool, ToolCallID: "call_1", Status: StatusSuccess}); !errors.Is(err, ErrOrphanResult) {
		t.Errorf("expected ErrOrphanResult for duplicate result, got %v", err)
	}
}

func TestConcurrentAppendsSerialized(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 5
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := s.Append(Turn{Role: RoleUser, Content: fmt.Sprintf("w%d-%d", w, i)}); err != nil {
					t.Errorf("Append failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	turns := s.Snapshot()
	if len(turns) != workers*perWorker {
		t.Fatalf("expected %d turns, got %d", workers*perWorker, len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != uint64(i)+1 {
			t.Errorf("sequence gap at %d: %d", i, turn.Seq)
		}
	}
}

func TestReset(t *testing.T) {
	s, dir := newTestStore(t)
	s.Append(Turn{Role: RoleUser, Content: "hello"})
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := len(s.Snapshot()); got != 0 {
		t.Errorf("expected empty log after reset, got %d turns", got)
	}
	loaded, err := Load(dir, "test")
	if err != nil {
		t.Fatalf("Load after reset failed: %v", err)
	}
	if got := len(loaded.Snapshot()); got != 0 {
		t.Errorf("reset not persisted: %d turns on disk", got)
	}
}
