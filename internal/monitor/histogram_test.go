package monitor

import "testing"

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for i := 1; i <= 10; i++ {
		h.Record(float64(i))
	}

	stats := h.Stats()
	if stats.Count != 10 {
		t.Fatalf("count=%d", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 10 {
		t.Fatalf("min=%v max=%v", stats.Min, stats.Max)
	}
	if stats.Avg != 5.5 {
		t.Fatalf("avg=%v", stats.Avg)
	}
}

func TestLatencyHistogramWindowSlides(t *testing.T) {
	h := NewLatencyHistogram(3)
	for i := 1; i <= 5; i++ {
		h.Record(float64(i))
	}
	stats := h.Stats()
	if stats.Count != 3 {
		t.Fatalf("count=%d, expected window of 3", stats.Count)
	}
	if stats.Min != 3 {
		t.Fatalf("min=%v, oldest samples should have been evicted", stats.Min)
	}
}

func TestLatencyHistogramEmpty(t *testing.T) {
	h := NewLatencyHistogram(5)
	if stats := h.Stats(); stats.Count != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}
