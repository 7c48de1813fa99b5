package automessage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFailedJournalInitializesEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "failed", "failed_messages.json")
	j, err := NewFailedJournal(path)
	if err != nil {
		t.Fatalf("NewFailedJournal() error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("journal file not created: %v", err)
	}
	if string(raw) != "[]" {
		t.Fatalf("fresh journal = %q, want empty array", raw)
	}

	records, err := j.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("Load() = %d record(s), want none", len(records))
	}
}

func TestFailedJournalAppendAccumulates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "failed_messages.json")
	j, err := NewFailedJournal(path)
	if err != nil {
		t.Fatalf("NewFailedJournal() error: %v", err)
	}

	first := FailedRecord{
		Envelope:  Envelope{Type: EnvelopeTypeV1, AutoMessageID: "a1", SenderID: "s1", ReceiverID: "r1", Content: "selam"},
		Reason:    "receiver not found",
		ErrorCode: "RECEIVER_NOT_FOUND",
		Attempts:  3,
		FailedAt:  time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
	}
	if err := j.Append(first); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	second := FailedRecord{
		Body:     `{"autoMessageId":`,
		Reason:   "decode queue envelope",
		Attempts: 0,
		FailedAt: time.Date(2025, 3, 12, 11, 0, 0, 0, time.UTC),
	}
	if err := j.Append(second); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	records, err := j.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Load() = %d record(s), want 2", len(records))
	}
	if records[0].Envelope.AutoMessageID != "a1" || records[0].Attempts != 3 {
		t.Errorf("first record = %+v, want the envelope failure", records[0])
	}
	if records[1].Body != second.Body || !records[1].FailedAt.Equal(second.FailedAt) {
		t.Errorf("second record = %+v, want the raw-body failure", records[1])
	}
}

func TestFailedJournalAppendNothing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "failed_messages.json")
	j, err := NewFailedJournal(path)
	if err != nil {
		t.Fatalf("NewFailedJournal() error: %v", err)
	}
	before, _ := os.Stat(path)

	if err := j.Append(); err != nil {
		t.Fatalf("Append() with no records error: %v", err)
	}

	after, _ := os.Stat(path)
	if before.ModTime() != after.ModTime() || before.Size() != after.Size() {
		t.Error("empty append must not rewrite the file")
	}
}

func TestFailedJournalKeepsExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "failed_messages.json")
	seed := `[{"envelope":{"autoMessageId":"old"},"reason":"kept","attempts":1,"failedAt":"2025-01-01T00:00:00Z"}]`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	j, err := NewFailedJournal(path)
	if err != nil {
		t.Fatalf("NewFailedJournal() error: %v", err)
	}
	records, err := j.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(records) != 1 || records[0].Envelope.AutoMessageID != "old" {
		t.Fatalf("Load() = %+v, want the pre-existing record", records)
	}
}
