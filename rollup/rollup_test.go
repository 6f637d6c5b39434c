package rollup

import (
	"path/filepath"
	"testing"

	"smalltsdb/config"
	"smalltsdb/lineproto"
	"smalltsdb/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(config.StoreConfig{DBPath: filepath.Join(dir, "tsdb.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Three payloads land in incoming across two buckets; syncing well past
// the tail finalizes both tensecond buckets with the expected stats.
func TestSyncFinalizesTenSecondBucketsAcrossPayloads(t *testing.T) {
	s := openTestStore(t)
	payloads := [][]byte{
		[]byte("one 1 1"),
		[]byte("one 5 2\ntwo 2 5"),
		[]byte("one 1 12\n"),
	}
	for _, payload := range payloads {
		samples, err := lineproto.ParseBatch(payload)
		if err != nil {
			t.Fatalf("ParseBatch(%q) failed: %v", payload, err)
		}
		if err := s.Insert(samples); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	eng := New(s, 60, "")
	if err := eng.Sync(80); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	type row struct {
		path                      string
		ts, n, min, max, avg, sum float64
		p50, p90, p99             float64
	}
	want := []row{
		{"one", 0, 2, 1.0, 5.0, 3.0, 6.0, 3.0, 4.6, 4.96},
		{"one", 10, 1, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0},
		{"two", 0, 1, 2.0, 2.0, 2.0, 2.0, 2.0, 2.0, 2.0},
	}
	for _, w := range want {
		for _, check := range []struct {
			stat string
			want float64
		}{
			{"n", w.n}, {"min", w.min}, {"max", w.max}, {"avg", w.avg},
			{"sum", w.sum}, {"p50", w.p50}, {"p90", w.p90}, {"p99", w.p99},
		} {
			points, err := s.GetMetric(w.path, "tensecond", check.stat, nil, nil)
			if err != nil {
				t.Fatalf("GetMetric(%s,%s) failed: %v", w.path, check.stat, err)
			}
			found := false
			for _, p := range points {
				if p.Timestamp == w.ts {
					found = true
					if p.Value != check.want {
						t.Errorf("%s@%v %s = %v, want %v", w.path, w.ts, check.stat, p.Value, check.want)
					}
				}
			}
			if !found {
				t.Errorf("%s@%v missing from %s series", w.path, w.ts, check.stat)
			}
		}
	}
}

func TestSyncLeavesBucketPartialUntilPastTail(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert([]lineproto.Sample{
		{Path: "one", Value: 1, Timestamp: 1},
		{Path: "two", Value: 2, Timestamp: 2},
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	eng := New(s, 60, "")

	if err := eng.Sync(69); err != nil {
		t.Fatalf("Sync(69) failed: %v", err)
	}
	points, err := s.GetMetric("one", "tensecond", "n", nil, nil)
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected tensecond to stay empty at now=69, got %v", points)
	}

	if err := eng.Sync(70); err != nil {
		t.Fatalf("Sync(70) failed: %v", err)
	}
	for _, path := range []string{"one", "two"} {
		points, err := s.GetMetric(path, "tensecond", "n", nil, nil)
		if err != nil {
			t.Fatalf("GetMetric failed: %v", err)
		}
		if len(points) != 1 || points[0].Timestamp != 0 || points[0].Value != 1 {
			t.Fatalf("%s tensecond = %v, want one point (0, 1)", path, points)
		}
	}
}

func TestSyncFinalizesIncrementallyAsTimeAdvances(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert([]lineproto.Sample{
		{Path: "one", Value: 1, Timestamp: 1},
		{Path: "two", Value: 2, Timestamp: 2},
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	eng := New(s, 60, "")
	if err := eng.Sync(70); err != nil {
		t.Fatalf("Sync(70) failed: %v", err)
	}

	if err := s.Insert([]lineproto.Sample{
		{Path: "one", Value: 5, Timestamp: 5},
		{Path: "one", Value: 1, Timestamp: 12},
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := eng.Sync(79); err != nil {
		t.Fatalf("Sync(79) failed: %v", err)
	}
	points, err := s.GetMetric("one", "tensecond", "n", nil, nil)
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("at now=79 expected tensecond unchanged (1 point), got %v", points)
	}

	if err := eng.Sync(80); err != nil {
		t.Fatalf("Sync(80) failed: %v", err)
	}
	points, err = s.GetMetric("one", "tensecond", "n", nil, nil)
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	byTS := map[float64]float64{}
	for _, p := range points {
		byTS[p.Timestamp] = p.Value
	}
	if byTS[0] != 2 {
		t.Fatalf("bucket 0 n = %v, want 2 (overwritten)", byTS[0])
	}
	if byTS[10] != 1 {
		t.Fatalf("bucket 10 n = %v, want 1", byTS[10])
	}

	if err := eng.Sync(90); err != nil {
		t.Fatalf("Sync(90) failed: %v", err)
	}
	pointsAfter, err := s.GetMetric("one", "tensecond", "n", nil, nil)
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if len(pointsAfter) != len(points) {
		t.Fatalf("Sync(90) should add no further rows, got %v vs %v", pointsAfter, points)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert([]lineproto.Sample{{Path: "one", Value: 1, Timestamp: 1}}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	eng := New(s, 60, "")
	if err := eng.Sync(70); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}
	before, err := s.GetMetric("one", "tensecond", "n", nil, nil)
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if err := eng.Sync(70); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	after, err := s.GetMetric("one", "tensecond", "n", nil, nil)
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("second sync changed rollup state: before=%v after=%v", before, after)
	}
}

func TestSyncOnEmptyIncomingIsNoop(t *testing.T) {
	s := openTestStore(t)
	eng := New(s, 60, "")
	if err := eng.Sync(1000); err != nil {
		t.Fatalf("Sync on empty incoming failed: %v", err)
	}
	metrics, err := s.ListMetrics()
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(metrics) != 0 {
		t.Fatalf("expected no metrics, got %v", metrics)
	}
}

func TestPruneDeletesOldIncoming(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert([]lineproto.Sample{
		{Path: "one", Value: 1, Timestamp: 1},
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	eng := New(s, 60, "")
	cutoffNow := 1 + 60 + config.MaxPeriodSeconds() + 1
	if err := eng.Sync(cutoffNow); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	values, err := s.BucketValues("one", 0, cutoffNow)
	if err != nil {
		t.Fatalf("BucketValues failed: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected incoming row pruned, still present: %v", values)
	}
}

func TestSelfMetricsFeedBackWhenPrefixSet(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert([]lineproto.Sample{{Path: "one", Value: 1, Timestamp: 1}}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	eng := New(s, 60, "smalltsdb.rollup")
	if err := eng.Sync(70); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	values, err := s.BucketValues("smalltsdb.rollup.sync.all", 0, 1000)
	if err != nil {
		t.Fatalf("BucketValues failed: %v", err)
	}
	if len(values) == 0 {
		t.Fatalf("expected a sync.all self-metric sample to have been inserted")
	}
}
