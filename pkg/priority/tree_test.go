package priority

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func all(uint32) bool { return true }

func only(ids ...uint32) func(uint32) bool {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id uint32) bool { return set[id] }
}

func mustSet(t *testing.T, tr *Tree, id uint32, weight uint16, parent uint32, exclusive bool) {
	t.Helper()
	if err := tr.SetPriority(id, weight, parent, exclusive); err != nil {
		t.Fatalf("SetPriority(%d, %d, %d, %v) error = %v", id, weight, parent, exclusive, err)
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() after SetPriority(%d) = %v", id, err)
	}
}

func TestWeightedShareConverges(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 32, 0, false)
	mustSet(t, tr, 3, 16, 0, false)
	mustSet(t, tr, 5, 8, 0, false)

	counts := map[uint32]int{}
	const picks = 7000
	for i := 0; i < picks; i++ {
		id, ok := tr.Next(all)
		if !ok {
			t.Fatal("Next() = false with eligible streams")
		}
		counts[id]++
	}

	want := map[uint32]float64{1: 4.0 / 7, 3: 2.0 / 7, 5: 1.0 / 7}
	for id, frac := range want {
		got := float64(counts[id]) / picks
		if math.Abs(got-frac) > 0.01 {
			t.Errorf("stream %d share = %.4f, want %.4f", id, got, frac)
		}
	}
}

func TestNestedShare(t *testing.T) {
	// 1 (w 16) and 3 (w 16) under root; 5 (w 24) and 7 (w 8) under 3.
	tr := New()
	mustSet(t, tr, 1, 16, 0, false)
	mustSet(t, tr, 3, 16, 0, false)
	mustSet(t, tr, 5, 24, 3, false)
	mustSet(t, tr, 7, 8, 3, false)

	eligible := only(1, 5, 7)
	counts := map[uint32]int{}
	for i := 0; i < 8000; i++ {
		id, _ := tr.Next(eligible)
		counts[id]++
	}
	if counts[3] != 0 {
		t.Errorf("ineligible stream 3 picked %d times", counts[3])
	}
	for id, want := range map[uint32]int{1: 4000, 5: 3000, 7: 1000} {
		if diff := counts[id] - want; diff < -80 || diff > 80 {
			t.Errorf("stream %d picked %d times, want about %d", id, counts[id], want)
		}
	}

	if got := tr.Share(5, eligible); math.Abs(got-0.375) > 1e-9 {
		t.Errorf("Share(5) = %v, want 0.375", got)
	}
}

func TestParentServedBeforeDependents(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 16, 0, false)
	mustSet(t, tr, 3, 255, 1, false)

	for i := 0; i < 10; i++ {
		if id, _ := tr.Next(all); id != 1 {
			t.Fatalf("Next() = %d, want parent 1", id)
		}
	}
	if id, _ := tr.Next(only(3)); id != 3 {
		t.Errorf("Next() with idle parent = %d, want 3", id)
	}
	if _, ok := tr.Next(only()); ok {
		t.Error("Next() with nothing eligible = true")
	}
}

func TestIdleStreamDoesNotHoard(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 16, 0, false)
	mustSet(t, tr, 3, 16, 0, false)

	for i := 0; i < 500; i++ {
		tr.Next(only(1))
	}
	counts := map[uint32]int{}
	for i := 0; i < 100; i++ {
		id, _ := tr.Next(all)
		counts[id]++
	}
	if counts[1] < 45 || counts[3] < 45 {
		t.Errorf("counts after idle period = %v, want roughly even", counts)
	}
}

func TestExclusiveInsert(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 16, 0, false)
	mustSet(t, tr, 3, 16, 0, false)
	mustSet(t, tr, 5, 16, 0, true)

	if got := tr.Children(0); !reflect.DeepEqual(got, []uint32{5}) {
		t.Errorf("Children(0) = %v, want [5]", got)
	}
	if got := tr.Children(5); !reflect.DeepEqual(got, []uint32{1, 3}) {
		t.Errorf("Children(5) = %v, want [1 3]", got)
	}
	if tr.Parent(1) != 5 || tr.Parent(3) != 5 {
		t.Errorf("parents = %d, %d, want 5, 5", tr.Parent(1), tr.Parent(3))
	}
}

func TestMoveUnderDescendant(t *testing.T) {
	// root -> 1 -> 3 -> 5; moving 1 under 5 lifts 5 to the root first.
	tr := New()
	mustSet(t, tr, 1, 16, 0, false)
	mustSet(t, tr, 3, 16, 1, false)
	mustSet(t, tr, 5, 16, 3, false)
	mustSet(t, tr, 1, 16, 5, false)

	if tr.Parent(5) != 0 || tr.Parent(1) != 5 || tr.Parent(3) != 1 {
		t.Errorf("parents 5,1,3 = %d,%d,%d, want 0,5,1", tr.Parent(5), tr.Parent(1), tr.Parent(3))
	}

	// Exclusive variant: 5 under its descendant 3.
	mustSet(t, tr, 5, 16, 3, true)
	if tr.Parent(3) != 0 || tr.Parent(5) != 3 || tr.Parent(1) != 5 {
		t.Errorf("parents 3,5,1 = %d,%d,%d, want 0,3,5", tr.Parent(3), tr.Parent(5), tr.Parent(1))
	}
}

func TestSetPriorityErrors(t *testing.T) {
	tr := New()
	if err := tr.SetPriority(3, 16, 3, false); !errors.Is(err, ErrSelfDependency) {
		t.Errorf("SetPriority(self) error = %v, want ErrSelfDependency", err)
	}
	if err := tr.SetPriority(0, 16, 1, false); !errors.Is(err, ErrRootStream) {
		t.Errorf("SetPriority(0) error = %v, want ErrRootStream", err)
	}
}

func TestMissingParentGivesDefault(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 16, 0, false)
	mustSet(t, tr, 7, 100, 99, true)
	if tr.Parent(7) != 0 || tr.Weight(7) != 16 {
		t.Errorf("stream 7 parent, weight = %d, %d, want 0, 16", tr.Parent(7), tr.Weight(7))
	}
	if tr.Parent(1) != 0 {
		t.Error("exclusive flag applied despite missing parent")
	}
}

func TestWeightClamped(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 0, 0, false)
	mustSet(t, tr, 3, 1000, 0, false)
	if tr.Weight(1) != 1 || tr.Weight(3) != 256 {
		t.Errorf("weights = %d, %d, want 1, 256", tr.Weight(1), tr.Weight(3))
	}
	if tr.Weight(42) != 16 || tr.Parent(42) != 0 {
		t.Error("unknown stream should report default priority")
	}
}

func TestRemoveRedistributesWeight(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 32, 0, false)
	mustSet(t, tr, 3, 12, 1, false)
	mustSet(t, tr, 5, 4, 1, false)
	mustSet(t, tr, 7, 1, 3, false)

	tr.Remove(1)
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if tr.Contains(1) {
		t.Error("stream 1 still present")
	}
	if tr.Parent(3) != 0 || tr.Parent(5) != 0 {
		t.Errorf("children not moved to root: %d, %d", tr.Parent(3), tr.Parent(5))
	}
	if tr.Weight(3) != 24 || tr.Weight(5) != 8 {
		t.Errorf("weights = %d, %d, want 24, 8", tr.Weight(3), tr.Weight(5))
	}
	if tr.Parent(7) != 3 {
		t.Errorf("grandchild moved: parent = %d, want 3", tr.Parent(7))
	}

	tr.Remove(3)
	if tr.Weight(7) != 24 {
		t.Errorf("single child weight = %d, want 24", tr.Weight(7))
	}
	tr.Remove(99)
}

func TestScheduleOrder(t *testing.T) {
	tr := New()
	mustSet(t, tr, 1, 32, 0, false)
	mustSet(t, tr, 3, 16, 0, false)
	mustSet(t, tr, 5, 16, 0, false)
	mustSet(t, tr, 7, 8, 5, false)
	mustSet(t, tr, 9, 8, 1, false)

	// 9 is blocked behind its eligible parent 1.
	got := tr.Schedule(only(1, 3, 7, 9))
	want := []uint32{1, 3, 7, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Schedule() = %v, want %v", got, want)
	}
	if s := tr.Share(9, only(1, 3, 7, 9)); s != 0 {
		t.Errorf("Share(9) = %v, want 0", s)
	}
}

func TestRandomMutationsStayValid(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr := New()
	for i := 0; i < 2000; i++ {
		id := uint32(rng.Intn(40)*2 + 1)
		switch rng.Intn(5) {
		case 0:
			tr.Remove(id)
		default:
			parent := uint32(rng.Intn(40)*2 + 1)
			if parent == id {
				parent = 0
			}
			if err := tr.SetPriority(id, uint16(rng.Intn(300)), parent, rng.Intn(3) == 0); err != nil {
				t.Fatalf("step %d: SetPriority() error = %v", i, err)
			}
		}
		if err := tr.Validate(); err != nil {
			t.Fatalf("step %d: Validate() = %v", i, err)
		}
		if i%10 == 0 {
			tr.Next(func(id uint32) bool { return id%3 == 0 })
		}
	}
}
