package markstack

import "testing"

func TestStackPushPop(t *testing.T) {
	s := New(8, nil)

	s.Push(0x1000)
	s.Push(0x2000)
	s.Push(0x3000)

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	if got := s.Pop(); got != 0x3000 {
		t.Fatalf("Pop() = %#x, want 0x3000 (LIFO order)", got)
	}

	if got := s.Pop(); got != 0x2000 {
		t.Fatalf("Pop() = %#x, want 0x2000", got)
	}

	if s.IsEmpty() {
		t.Fatal("stack should not be empty yet")
	}

	s.Pop()

	if !s.IsEmpty() {
		t.Fatal("stack should be empty after popping every entry")
	}
}

func TestStackOverflowBoundary(t *testing.T) {
	// Boundary behavior (spec.md §8): at capacity-1, capacity, and
	// capacity+1 pushes, the overflow handler fires at most once per push
	// and the push that triggered it still succeeds.
	const capacity = 8

	for _, pushes := range []int{capacity - 1, capacity, capacity + 1} {
		t.Run("", func(t *testing.T) {
			calls := 0
			s := New(capacity, func(flushed []uintptr) {
				calls++

				if len(flushed) != capacity {
					t.Fatalf("overflow handler flushed %d entries, want %d", len(flushed), capacity)
				}
			})

			for i := 0; i < pushes; i++ {
				s.Push(uintptr(i + 1))
			}

			// Overflow only actually fires once the (capacity+1)-th push is
			// attempted against a full stack; capacity-1 and capacity pushes
			// never fill-and-exceed it.
			wantCalls := 0
			if pushes > capacity {
				wantCalls = 1
			}

			if calls != wantCalls {
				t.Fatalf("pushes=%d: overflow handler called %d times, want %d", pushes, calls, wantCalls)
			}

			wantLen := pushes
			if pushes > capacity {
				wantLen = pushes - capacity
			}

			if s.Len() != wantLen {
				t.Fatalf("pushes=%d: Len() = %d, want %d", pushes, s.Len(), wantLen)
			}
		})
	}
}

func TestStackCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	s := New(10, nil)
	if s.Cap() != 16 {
		t.Fatalf("Cap() = %d, want 16 (next power of two above 10)", s.Cap())
	}
}

func TestRescanMap(t *testing.T) {
	m := NewRescanMap(130) // spans more than one 64-bit word

	if !m.IsEmpty() {
		t.Fatal("a fresh rescan map should be empty")
	}

	m.Set(5)
	m.Set(70)
	m.Set(129)

	if m.IsEmpty() {
		t.Fatal("map should not be empty after Set")
	}

	if !m.IsSet(5) || !m.IsSet(70) || !m.IsSet(129) {
		t.Fatal("IsSet should report every region that was Set")
	}

	left, right := m.FirstSetRange()
	if left != 0 || right != 2 {
		t.Fatalf("FirstSetRange() = (%d, %d), want (0, 2) spanning words for bits 5, 70, 129", left, right)
	}

	first := m.ClearFirstSet()
	if first != 5 {
		t.Fatalf("ClearFirstSet() = %d, want 5 (lowest set region)", first)
	}

	if m.IsSet(5) {
		t.Fatal("ClearFirstSet should clear the region it returns")
	}

	m.Clear(70)
	m.Clear(129)

	if !m.IsEmpty() {
		t.Fatal("map should be empty after clearing every set region")
	}

	if got := m.ClearFirstSet(); got != -1 {
		t.Fatalf("ClearFirstSet() on an empty map = %d, want -1", got)
	}
}
