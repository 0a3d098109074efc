package pipeline

import "testing"

func TestDiagnosticRingChronologicalOrder(t *testing.T) {
	r := NewDiagnosticRing(3)
	r.Add(Diagnostic{Stage: "mask", Kind: KindBoundaryClamp, Frame: 1, Msg: "one"})
	r.Add(Diagnostic{Stage: "mask", Kind: KindBoundaryClamp, Frame: 2, Msg: "two"})

	got := r.All()
	if len(got) != 2 {
		t.Fatalf("All() len = %d, want 2", len(got))
	}
	if got[0].Frame != 1 || got[1].Frame != 2 {
		t.Fatalf("All() order = %+v, want frames [1 2]", got)
	}
	if r.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0", r.Dropped())
	}
}

func TestDiagnosticRingEvictsOldestWhenFull(t *testing.T) {
	r := NewDiagnosticRing(2)
	r.Add(Diagnostic{Frame: 1})
	r.Add(Diagnostic{Frame: 2})
	r.Add(Diagnostic{Frame: 3})

	got := r.All()
	if len(got) != 2 {
		t.Fatalf("All() len = %d, want 2", len(got))
	}
	if got[0].Frame != 2 || got[1].Frame != 3 {
		t.Fatalf("All() = %+v, want frames [2 3]", got)
	}
	if r.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", r.Dropped())
	}
}

func TestDiagnosticRingDefaultCapacity(t *testing.T) {
	r := NewDiagnosticRing(0)
	if r.capacity != 1000 {
		t.Fatalf("capacity = %d, want 1000", r.capacity)
	}
}

func TestDiagnosticRingEmpty(t *testing.T) {
	r := NewDiagnosticRing(4)
	if got := r.All(); got != nil {
		t.Fatalf("All() on empty ring = %+v, want nil", got)
	}
}
