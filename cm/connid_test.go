package cm

import "testing"

func TestNextConnIDStepsByStep(t *testing.T) {
	first := nextConnID()
	second := nextConnID()
	third := nextConnID()

	if second != first+connIDStep {
		t.Errorf("second = %d, want %d", second, first+connIDStep)
	}
	if third != second+connIDStep {
		t.Errorf("third = %d, want %d", third, second+connIDStep)
	}
}

func TestNextConnIDIsUniqueUnderConcurrency(t *testing.T) {
	const n = 50
	ids := make(chan uint32, n)
	for i := 0; i < n; i++ {
		go func() { ids <- nextConnID() }()
	}

	seen := make(map[uint32]bool, n)
	for i := 0; i < n; i++ {
		id := <-ids
		if seen[id] {
			t.Fatalf("duplicate connection id %d", id)
		}
		seen[id] = true
	}
}
