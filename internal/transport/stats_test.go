package transport

import (
	"testing"
	"time"
)

func TestNewStats_DefaultWindow(t *testing.T) {
	t.Parallel()

	s := NewStats(0)
	for i := range 200 {
		s.Record(IntentStart, time.Duration(i)*time.Millisecond)
	}
	if got := s.Snapshot().Latency[IntentStart].Samples; got != DefaultWindow {
		t.Errorf("Samples = %d, want %d", got, DefaultWindow)
	}
}

func TestStats_Percentiles(t *testing.T) {
	t.Parallel()

	s := NewStats(100)
	for i := 1; i <= 100; i++ {
		s.Record(IntentStop, time.Duration(i)*time.Millisecond)
	}
	s.Record(IntentPause, 7*time.Millisecond)

	snap := s.Snapshot()
	stop := snap.Latency[IntentStop]
	if stop.P50 != 50*time.Millisecond {
		t.Errorf("stop P50 = %v, want 50ms", stop.P50)
	}
	if stop.P95 != 95*time.Millisecond {
		t.Errorf("stop P95 = %v, want 95ms", stop.P95)
	}
	if got := snap.Latency[IntentPause].P95; got != 7*time.Millisecond {
		t.Errorf("pause P95 = %v, want 7ms", got)
	}
	if _, ok := snap.Latency[IntentStart]; ok {
		t.Error("unseen intent should not appear in snapshot")
	}
}

func TestStats_WindowEvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewStats(4)
	for _, ms := range []int{100, 100, 100, 100, 1, 1, 1, 1} {
		s.Record(IntentStart, time.Duration(ms)*time.Millisecond)
	}
	if got := s.Snapshot().Latency[IntentStart].P95; got != time.Millisecond {
		t.Errorf("P95 = %v, want 1ms after old samples rolled out", got)
	}
}
