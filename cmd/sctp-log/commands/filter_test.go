package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sctpmgmt/sctp-go/pkg/log"
)

func readAll(t *testing.T, path string) []log.Event {
	t.Helper()
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer reader.Close()

	events, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	return events
}

func TestFilterByAssociation(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, Association: "a1", Category: log.CategoryPayload},
		{Timestamp: ts, Association: "a2", Category: log.CategoryPayload},
		{Timestamp: ts, Association: "a1", Category: log.CategoryState},
	}

	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.sclog")

	var buf bytes.Buffer
	if err := RunFilter(path, log.Filter{Association: "a1"}, outPath, &buf); err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Filtered 2 events") {
		t.Errorf("unexpected summary: %s", buf.String())
	}

	got := readAll(t, outPath)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for _, e := range got {
		if e.Association != "a1" {
			t.Errorf("expected a1, got %s", e.Association)
		}
	}
}

func TestFilterByTimeRange(t *testing.T) {
	base := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: base, ConnectionID: "c"},
		{Timestamp: base.Add(time.Minute), ConnectionID: "c"},
		{Timestamp: base.Add(2 * time.Minute), ConnectionID: "c"},
	}
	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.sclog")

	filter, err := Criteria{
		TimeStart: base.Add(30 * time.Second).Format(time.RFC3339),
		TimeEnd:   base.Add(2 * time.Minute).Format(time.RFC3339),
	}.Filter()
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}

	var buf bytes.Buffer
	if err := RunFilter(path, filter, outPath, &buf); err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}

	got := readAll(t, outPath)
	if len(got) != 1 || !got[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("expected only the middle event, got %+v", got)
	}
}

func TestFilterMissingInput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "filtered.sclog")
	var buf bytes.Buffer
	if err := RunFilter(filepath.Join(t.TempDir(), "none.sclog"), log.Filter{}, outPath, &buf); err == nil {
		t.Error("expected error for missing input")
	}
}
