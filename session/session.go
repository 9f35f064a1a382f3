package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sentinel errors for store failures. Callers match with errors.Is.
var (
	// ErrNotFound is returned by Load for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned by Load when persisted data cannot be
	// parsed back into the turn schema.
	ErrCorrupt = errors.New("session data corrupt")
	// ErrPersistence is returned by Append when the durable write
	// fails. The in-memory log is left at the last persisted state.
	ErrPersistence = errors.New("session persistence failed")
	// ErrOrphanResult is returned by Append for a tool-result turn
	// whose call id has no matching pending tool call in the log.
	ErrOrphanResult = errors.New("tool result without matching tool call")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Status reports whether a tool execution succeeded.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Turn is one immutable entry in the conversation log. Seq is assigned
// by the store on append and is the sole ordering key.
type Turn struct {
	Seq        uint64     `json:"seq"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Status     Status     `json:"status,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	Time       time.Time  `json:"time"`
}

// Session is the persisted aggregate of all turns for one conversation.
type Session struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Created time.Time `json:"created"`
	Workdir string    `json:"workdir"`
	Turns   []Turn    `json:"turns"`
}

// Store owns a single session and serializes appends to it. Every
// successful append is durably written before it becomes visible in
// memory, so a crash loses at most the in-flight turn.
type Store struct {
	mu   sync.Mutex
	path string
	sess Session
}

// DefaultDir returns the session directory under the given base,
// creating it if needed.
func DefaultDir(base string) (string, error) {
	dir := filepath.Join(base, ".turtle", "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create session directory: %w", err)
	}
	return dir, nil
}

// New creates a new session and persists its empty state.
func New(dir, id, model, workdir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(dir, id+".json"),
		sess: Session{
			ID:      id,
			Model:   model,
			Created: time.Now().UTC(),
			Workdir: workdir,
		},
	}
	if err := s.persist(s.sess); err != nil {
		return nil, err
	}
	return s, nil
}

// Load opens an existing session from disk.
func Load(dir, id string) (*Store, error) {
	path := filepath.Join(dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("session %q: %w: %v", id, ErrPersistence, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session %q: %w: %v", id, ErrCorrupt, err)
	}
	for i, turn := range sess.Turns {
		if turn.Seq != uint64(i)+1 {
			return nil, fmt.Errorf("session %q: %w: sequence gap at index %d", id, ErrCorrupt, i)
		}
	}
	return &Store{path: path, sess: sess}, nil
}

// Append assigns the next sequence number to the turn, durably writes
// the session, and only then commits the turn to memory. It returns the
// assigned sequence number. Appends are all-or-nothing: on a write
// failure the in-memory log is unchanged.
func (s *Store) Append(turn Turn) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Role == RoleTool {
		if err := s.checkResultPairing(turn); err != nil {
			return 0, err
		}
	}

	turn.Seq = uint64(len(s.sess.Turns)) + 1
	if turn.Time.IsZero() {
		turn.Time = time.Now().UTC()
	}

	next := s.sess
	next.Turns = append(append([]Turn(nil), s.sess.Turns...), turn)
	if err := s.persist(next); err != nil {
		return 0, err
	}
	s.sess = next
	return turn.Seq, nil
}

// checkResultPairing enforces that a tool-result turn references a
// prior tool call in this session and that no result for the same call
// id has been appended yet.
func (s *Store) checkResultPairing(turn Turn) error {
	if turn.ToolCallID == "" {
		return fmt.Errorf("%w: empty call id", ErrOrphanResult)
	}
	requested := false
	for _, prev := range s.sess.Turns {
		if prev.Role == RoleAssistant {
			for _, tc := range prev.ToolCalls {
				if tc.ID == turn.ToolCallID {
					requested = true
				}
			}
		}
		if prev.Role == RoleTool && prev.ToolCallID == turn.ToolCallID {
			return fmt.Errorf("%w: duplicate result for call %q", ErrOrphanResult, turn.ToolCallID)
		}
	}
	if !requested {
		return fmt.Errorf("%w: call %q", ErrOrphanResult, turn.ToolCallID)
	}
	return nil
}

// Snapshot returns a copy of the ordered turn sequence.
func (s *Store) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.sess.Turns))
	copy(turns, s.sess.Turns)
	return turns
}

// Session returns a copy of the full session, turns included.
func (s *Store) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sess
	sess.Turns = make([]Turn, len(s.sess.Turns))
	copy(sess.Turns, s.sess.Turns)
	return sess
}

// Reset truncates the conversation and persists the empty log. Used by
// the terminal's reset command.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.sess
	next.Turns = nil
	if err := s.persist(next); err != nil {
		return err
	}
	s.sess = next
	return nil
}

// persist writes the session via temp file, fsync and rename so the
// on-disk state is either the old session or the new one, never a
// partial write.
func (s *Store) persist(sess Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	cleanup = false
	return nil
}
