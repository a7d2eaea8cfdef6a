package layout

import (
	"errors"
	"math/rand"
	"testing"
)

func TestPlaceGapFit(t *testing.T) {
	newLayout := func(t *testing.T) *Layout {
		l := New()
		mustAdd(t, l, Segment{Name: "a", Start: 0x100000, Size: 0x1000})
		mustAdd(t, l, Segment{Name: "b", Start: 0x102000, Size: 0x1000})
		return l
	}

	t.Run("exact fit", func(t *testing.T) {
		addr, err := newLayout(t).Place(0x1000)
		if err != nil {
			t.Fatalf("Place failed: %v", err)
		}
		if addr != 0x101000 {
			t.Fatalf("Place(0x1000) = %#x, want 0x101000", addr)
		}
	})

	t.Run("one byte over", func(t *testing.T) {
		addr, err := newLayout(t).Place(0x1001)
		if err != nil {
			t.Fatalf("Place failed: %v", err)
		}
		if addr != 0x103000 {
			t.Fatalf("Place(0x1001) = %#x, want 0x103000", addr)
		}
	})
}

func TestPlacePrefersLowMemoryAboveSegments(t *testing.T) {
	l := New()
	mustAdd(t, l, Segment{Name: "kernel", Start: 0x10000, Size: 0x4800})

	addr, err := l.Place(0x800)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if addr != 0x15000 {
		t.Fatalf("Place = %#x, want 0x15000", addr)
	}
}

func TestPlaceFallsBackToHighMemory(t *testing.T) {
	l := New()
	mustAdd(t, l, Segment{Name: "kernel", Start: 0x10000, Size: 0x8f000})

	addr, err := l.Place(0x2000)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if addr != HighMemStart {
		t.Fatalf("Place = %#x, want %#x", addr, HighMemStart)
	}
}

func TestPlaceEmptyLayout(t *testing.T) {
	addr, err := New().Place(0x100)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if addr != HighMemStart {
		t.Fatalf("Place = %#x, want %#x", addr, HighMemStart)
	}
}

func TestPlaceSkipsSegmentsAboveHole(t *testing.T) {
	l := New()
	mustAdd(t, l, Segment{Name: "kernel", Start: 0x100000, Size: 0x3456})
	mustAdd(t, l, Segment{Name: "module", Start: 0x104000, Size: 0x100})

	addr, err := l.Place(0x1000)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if addr != 0x105000 {
		t.Fatalf("Place = %#x, want 0x105000", addr)
	}
}

func TestPlaceErrors(t *testing.T) {
	var placeErr *PlacementError

	if _, err := New().Place(0); !errors.As(err, &placeErr) {
		t.Fatalf("Place(0) error = %v, want *PlacementError", err)
	}

	l := New()
	mustAdd(t, l, Segment{Name: "a", Start: 0x100000, Size: 0x7ffff000})
	mustAdd(t, l, Segment{Name: "b", Start: 0x80100000, Size: 0x7feff000})

	if _, err := l.Place(0x2000); !errors.As(err, &placeErr) {
		t.Fatalf("Place(0x2000) error = %v, want *PlacementError", err)
	}
	addr, err := l.Place(0x1000)
	if err != nil {
		t.Fatalf("Place(0x1000) failed: %v", err)
	}
	if addr != 0x800ff000 {
		t.Fatalf("Place(0x1000) = %#x, want 0x800ff000", addr)
	}
}

func TestPlaceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		l := New()
		count := 1 + rng.Intn(6)
		for i := 0; i < count; i++ {
			var start uint32
			if rng.Intn(2) == 0 {
				start = uint32(0x1000 + rng.Intn(0x90000))
			} else {
				start = uint32(HighMemStart + rng.Intn(0x400000))
			}
			size := int32(1 + rng.Intn(0x20000))
			if uint64(start) < HoleStart && uint64(start)+uint64(size) > HoleStart {
				size = int32(HoleStart - start)
			}
			mustAdd(t, l, Segment{Name: "seg", Start: start, Size: size})
		}

		size := uint64(1 + rng.Intn(0x8000))
		addr, err := l.Place(size)
		if err != nil {
			t.Fatalf("iteration %d: Place(%#x) failed: %v", iter, size, err)
		}
		if addr%PageSize != 0 {
			t.Fatalf("iteration %d: Place(%#x) = %#x is not page aligned", iter, size, addr)
		}
		end := uint64(addr) + size
		if uint64(addr) < HoleEnd && end > HoleStart {
			t.Fatalf("iteration %d: Place(%#x) = %#x intersects the memory hole", iter, size, addr)
		}
		if l.Intersects(addr, size) {
			t.Fatalf("iteration %d: Place(%#x) = %#x intersects a segment", iter, size, addr)
		}
	}
}
