package main

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
)

// recordingWriter fails the test if two writes ever overlap and keeps
// every frame it receives.
type recordingWriter struct {
	t      *testing.T
	active int32
	mu     sync.Mutex
	frames [][]byte
}

func (w *recordingWriter) WriteMessage(messageType int, data []byte) error {
	if !atomic.CompareAndSwapInt32(&w.active, 0, 1) {
		w.t.Error("Concurrent WriteMessage calls on the websocket connection")
	}
	w.mu.Lock()
	w.frames = append(w.frames, append([]byte(nil), data...))
	w.mu.Unlock()
	atomic.StoreInt32(&w.active, 0)
	return nil
}

func TestRelaySerializesConcurrentSends(t *testing.T) {
	writer := &recordingWriter{t: t}
	rl := &relay{conn: writer}

	var wg sync.WaitGroup
	for _, kind := range []string{"stdout", "stderr"} {
		wg.Add(1)
		go func(kind string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := rl.send(kind, "line"); err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
			}
		}(kind)
	}
	wg.Wait()

	if len(writer.frames) != 400 {
		t.Errorf("Expected 400 frames, got %d", len(writer.frames))
	}
}

func TestRelayFramesAreJSON(t *testing.T) {
	writer := &recordingWriter{t: t}
	rl := &relay{conn: writer}

	if err := rl.send("stdout", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var msg wsMessage
	if err := json.Unmarshal(writer.frames[0], &msg); err != nil {
		t.Fatalf("Frame is not valid JSON: %v", err)
	}
	if msg.Type != "stdout" || msg.Data != "hello" {
		t.Errorf("Unexpected frame content: %+v", msg)
	}
}
