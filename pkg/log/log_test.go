package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// mockLogger records events for testing
type mockLogger struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockLogger) Log(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func payloadEvent(assoc string, dir Direction) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Direction:    dir,
		Layer:        LayerAssociation,
		Category:     CategoryPayload,
		Association:  assoc,
		Server:       "srv",
		Payload: &PayloadEvent{
			Stream:            3,
			PayloadProtocolID: 46,
			Length:            4,
			Data:              []byte{1, 2, 3, 4},
			Complete:          true,
			Delay:             5 * time.Millisecond,
		},
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := payloadEvent("a1", DirectionOut)
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", got.Timestamp, ev.Timestamp)
	}
	if got.Association != "a1" || got.Server != "srv" {
		t.Errorf("identity: got %q/%q", got.Association, got.Server)
	}
	if got.Payload == nil {
		t.Fatal("Payload is nil")
	}
	if got.Payload.Stream != 3 || got.Payload.PayloadProtocolID != 46 {
		t.Errorf("Payload: got %+v", got.Payload)
	}
	if got.Payload.Delay != 5*time.Millisecond {
		t.Errorf("Delay: got %v", got.Payload.Delay)
	}
	if got.StateChange != nil || got.Congestion != nil {
		t.Error("unexpected event payloads set")
	}
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerAssociation.String(), "ASSOCIATION"},
		{LayerManagement.String(), "MANAGEMENT"},
		{CategoryCongestion.String(), "CONGESTION"},
		{StateEntityServer.String(), "SERVER"},
		{ControlMsgShutdown.String(), "SHUTDOWN"},
		{ControlMsgInit.String(), "INIT"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.alog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file was not created: %v", err)
	}

	logger.Log(payloadEvent("a1", DirectionOut))
	logger.Log(payloadEvent("a2", DirectionIn))
	logger.Log(Event{
		Timestamp:   time.Now(),
		Layer:       LayerAssociation,
		Category:    CategoryCongestion,
		Association: "a1",
		Congestion:  &CongestionEvent{OldLevel: 0, NewLevel: 1, Estimate: 3 * time.Second},
	})
	if logger.Count() != 3 {
		t.Errorf("Count: got %d, want 3", logger.Count())
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	logger.Log(payloadEvent("ignored", DirectionIn))

	t.Run("All", func(t *testing.T) {
		r, err := NewReader(path)
		if err != nil {
			t.Fatalf("NewReader failed: %v", err)
		}
		defer r.Close()
		events, err := r.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
		if events[2].Congestion == nil || events[2].Congestion.NewLevel != 1 {
			t.Errorf("congestion event not decoded: %+v", events[2])
		}
	})

	t.Run("FilterByAssociation", func(t *testing.T) {
		r, err := NewFilteredReader(path, Filter{Association: "a1"})
		if err != nil {
			t.Fatalf("NewFilteredReader failed: %v", err)
		}
		defer r.Close()
		events, _ := r.ReadAll()
		if len(events) != 2 {
			t.Errorf("got %d events, want 2", len(events))
		}
	})

	t.Run("FilterByCategoryAndDirection", func(t *testing.T) {
		cat := CategoryPayload
		dir := DirectionIn
		r, err := NewFilteredReader(path, Filter{Category: &cat, Direction: &dir})
		if err != nil {
			t.Fatalf("NewFilteredReader failed: %v", err)
		}
		defer r.Close()
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.Association != "a2" {
			t.Errorf("Association: got %q, want a2", ev.Association)
		}
		if _, err := r.Next(); err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})
}

func TestFilterTimeRange(t *testing.T) {
	now := time.Now()
	start := now.Add(-time.Second)
	end := now.Add(time.Second)
	f := Filter{TimeStart: &start, TimeEnd: &end}

	if !f.Matches(Event{Timestamp: now}) {
		t.Error("event inside range should match")
	}
	if f.Matches(Event{Timestamp: end}) {
		t.Error("TimeEnd is exclusive")
	}
	if f.Matches(Event{Timestamp: start.Add(-time.Nanosecond)}) {
		t.Error("event before TimeStart should not match")
	}
}

func TestMultiLogger(t *testing.T) {
	m1, m2 := &mockLogger{}, &mockLogger{}
	multi := NewMultiLogger(m1, nil, m2)

	multi.Log(payloadEvent("a1", DirectionIn))

	for i, m := range []*mockLogger{m1, m2} {
		if len(m.events) != 1 {
			t.Errorf("logger %d: got %d events, want 1", i, len(m.events))
		}
	}

	// Should not panic with empty logger list
	NewMultiLogger().Log(payloadEvent("a1", DirectionIn))
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
	m := &mockLogger{}
	if OrNoop(m) != Logger(m) {
		t.Error("OrNoop should return the given logger")
	}
}

func TestSlogAdapter(t *testing.T) {
	decode := func(t *testing.T, buf *bytes.Buffer) map[string]any {
		t.Helper()
		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("failed to parse log output: %v", err)
		}
		return entry
	}

	t.Run("Payload", func(t *testing.T) {
		var buf bytes.Buffer
		adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
		adapter.Log(payloadEvent("a1", DirectionOut))

		entry := decode(t, &buf)
		if entry["association"] != "a1" {
			t.Errorf("association: got %v", entry["association"])
		}
		if entry["direction"] != "OUT" {
			t.Errorf("direction: got %v", entry["direction"])
		}
		if entry["stream"] != float64(3) {
			t.Errorf("stream: got %v", entry["stream"])
		}
		if entry["level"] != "DEBUG" {
			t.Errorf("level: got %v", entry["level"])
		}
	})

	t.Run("StateChangeAtInfo", func(t *testing.T) {
		var buf bytes.Buffer
		adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil))).WithLevel(slog.LevelInfo)
		adapter.Log(Event{
			Timestamp:   time.Now(),
			Layer:       LayerAssociation,
			Category:    CategoryState,
			Association: "a1",
			StateChange: &StateChangeEvent{
				Entity:   StateEntityAssociation,
				OldState: "CONNECTING",
				NewState: "CONNECTED",
			},
		})

		entry := decode(t, &buf)
		if entry["new_state"] != "CONNECTED" {
			t.Errorf("new_state: got %v", entry["new_state"])
		}
		if entry["entity"] != "ASSOCIATION" {
			t.Errorf("entity: got %v", entry["entity"])
		}
	})

	t.Run("FilteredByLevel", func(t *testing.T) {
		var buf bytes.Buffer
		adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
		adapter.Log(payloadEvent("a1", DirectionOut))
		if buf.Len() != 0 {
			t.Errorf("debug event should be filtered, got %s", buf.String())
		}
	})
}
