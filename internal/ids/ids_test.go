package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	got, ok := Time(NewAt(at))
	if !ok || !got.Equal(at) {
		t.Fatalf("Time()=%v ok=%v, want %v", got, ok, at)
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected parse failure")
	}
}
