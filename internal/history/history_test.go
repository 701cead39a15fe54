package history

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLogWindow(t *testing.T) {
	t.Parallel()
	log := NewMemoryLog(3)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four"} {
		if err := log.Record(ctx, Announcement{At: time.Now(), Text: text}); err != nil {
			t.Fatalf("Record(%q) error = %v", text, err)
		}
	}

	recent, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	want := []string{"two", "three", "four"}
	for i, a := range recent {
		if a.Text != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, a.Text, want[i])
		}
	}
}

func TestMemoryLogRecentLimit(t *testing.T) {
	t.Parallel()
	log := NewMemoryLog(10)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_ = log.Record(ctx, Announcement{Text: text})
	}

	recent, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Text != "two" || recent[1].Text != "three" {
		t.Errorf("Recent(2) = %+v, want [two three]", recent)
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()
	recent := []Announcement{
		{Text: "And now, a wonderful tune from the sixties!"},
		{Text: "The weather in town is lovely tonight."},
	}

	if got := Similarity("Completely different words here", nil); got != 0 {
		t.Errorf("Similarity(no history) = %v, want 0", got)
	}

	same := Similarity("And now, a wonderful tune from the sixties!", recent)
	if same < 0.99 {
		t.Errorf("Similarity(identical) = %v, want ~1", same)
	}

	different := Similarity("Der nächste Song kommt aus Österreich.", recent)
	if different >= same {
		t.Errorf("Similarity(different) = %v, want < %v", different, same)
	}
}
