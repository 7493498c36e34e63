package hotness

import (
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTrackerForTest(hl time.Duration) (*Tracker, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	tr := NewTracker(hl)
	tr.now = fc.Now
	return tr, fc
}

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func TestTouchAndScore_AccumulatesImmediately(t *testing.T) {
	tr, _ := newTrackerForTest(time.Minute)

	cell := "882a100d2bfffff"
	tr.Touch(cell)
	almostEq(t, tr.Score(cell), 1.0, 1e-9)

	tr.Touch(cell)
	tr.Touch(cell)
	almostEq(t, tr.Score(cell), 3.0, 1e-9)
}

func TestHalfLife_DecaysByHalf(t *testing.T) {
	hl := 2 * time.Second
	tr, fc := newTrackerForTest(hl)

	cell := "882a100d2bfffff"
	tr.Touch(cell)

	fc.Add(hl)
	almostEq(t, tr.Score(cell), 0.5, 1e-6)

	fc.Add(hl)
	almostEq(t, tr.Score(cell), 0.25, 1e-6)
}

func TestMaxScore_PicksHottestCell(t *testing.T) {
	tr, _ := newTrackerForTest(time.Minute)

	tr.Touch("a")
	tr.Touch("b")
	tr.Touch("b")
	tr.Touch("b")

	almostEq(t, tr.MaxScore([]string{"a", "b", "missing"}), 3.0, 1e-9)
	almostEq(t, tr.MaxScore(nil), 0, 1e-9)
}

func TestConcurrency_ManyTouchesSameCell(t *testing.T) {
	tr, _ := newTrackerForTest(time.Minute)

	cell := "hot-downtown"
	const N = 256

	var wg sync.WaitGroup
	wg.Add(N)
	for range N {
		go func() {
			tr.Touch(cell)
			wg.Done()
		}()
	}
	wg.Wait()

	almostEq(t, tr.Score(cell), N, 1e-9)
}

func TestReset_OnlySelectedCells(t *testing.T) {
	tr, _ := newTrackerForTest(30 * time.Second)

	tr.Touch("cell-A", "cell-B")
	tr.Reset("cell-A")

	if got := tr.Score("cell-A"); got != 0 {
		t.Fatalf("reset failed: got %g want 0", got)
	}
	if got := tr.Score("cell-B"); got <= 0 {
		t.Fatalf("unexpected reset of cell-B: got %g", got)
	}
	if tr.Size() != 1 {
		t.Fatalf("size=%d want 1", tr.Size())
	}
}

func TestDecayHelper_Edges(t *testing.T) {
	if got := decay(0, 10, 60); got != 0 {
		t.Fatalf("expected 0, got %g", got)
	}
	if got := decay(5, 0, 60); got != 5 {
		t.Fatalf("expected 5, got %g", got)
	}
	if got := decay(5, 10, 0); got != 5 {
		t.Fatalf("expected 5, got %g", got)
	}
}
