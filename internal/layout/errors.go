package layout

import "fmt"

// LayoutError reports a segment that cannot be part of a valid image: a
// malformed range, an invalid memory hole crossing or an overlap (in which
// case Err is an *OverlapError).
type LayoutError struct {
	Segment string
	Start   uint64
	End     uint64
	Reason  string
	Err     error
}

func (e *LayoutError) Error() string {
	msg := fmt.Sprintf("layout: segment %q [%#x, %#x): %s", e.Segment, e.Start, e.End, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LayoutError) Unwrap() error {
	return e.Err
}

// OverlapError names two segments claiming overlapping ranges.
type OverlapError struct {
	First  Segment
	Second Segment
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s overlaps %s", e.Second, e.First)
}

// PlacementError reports that no address could be found for a block.
type PlacementError struct {
	Size   uint64
	Reason string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("layout: cannot place %#x bytes: %s", e.Size, e.Reason)
}
