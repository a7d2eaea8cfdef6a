package layout

// Place returns a page-aligned address for a block of size bytes that avoids
// the memory hole and every segment in the layout.
//
// The first candidate is the page just above the highest segment, provided the
// whole block still ends below the memory hole. Failing that, the gaps at or
// above HighMemStart are scanned in address order and the first page-aligned
// one that is large enough wins. Place does not record the block; callers add
// it as a segment once they have filled it.
func (l *Layout) Place(size uint64) (uint32, error) {
	if size == 0 {
		return 0, &PlacementError{Size: size, Reason: "empty block"}
	}
	if size > MaxAddress {
		return 0, &PlacementError{Size: size, Reason: "block larger than the address space"}
	}

	if _, top, ok := l.Span(); ok && top <= HoleStart {
		addr := alignUp(top, PageSize)
		if addr > 0 && addr+size <= HoleStart && !l.Intersects(uint32(addr), size) {
			return uint32(addr), nil
		}
	}

	return l.placeFrom(size, HighMemStart)
}

func (l *Layout) placeFrom(size, floor uint64) (uint32, error) {
	cand := alignUp(floor, PageSize)
	l.ascend(func(seg Segment) bool {
		if seg.Size == 0 || seg.End() <= cand {
			return true
		}
		if uint64(seg.Start) >= cand+size {
			return false
		}
		cand = alignUp(seg.End(), PageSize)
		return true
	})
	if cand+size > MaxAddress {
		return 0, &PlacementError{Size: size, Reason: "no free range below 4 GiB"}
	}
	return uint32(cand), nil
}
