// Package layout models the physical memory image a boot image reconstructs:
// named segments with a start address and size, kept in address order.
package layout

import (
	"fmt"

	"github.com/google/btree"
)

// x86 memory: such fun.
const (
	HoleStart    = 0xa0000
	HoleEnd      = 0x100000
	HighMemStart = HoleEnd
	PageSize     = 0x1000

	// SectorSize and SetupSectors bound the low-memory setup region, the
	// only thing allowed to sit across the memory hole boundary.
	SectorSize   = 512
	SetupSectors = 7
	MaxSetupSize = SetupSectors * SectorSize

	// MaxAddress is the first address past the 32-bit physical space.
	MaxAddress = 1 << 32
)

// Flags alter how a segment is validated and serialized.
type Flags uint8

const (
	// FlagLowMemory marks a setup region that may cross the memory hole
	// boundary. Such segments are limited to MaxSetupSize bytes.
	FlagLowMemory Flags = 1 << iota

	// FlagReserved marks a placeholder: the range takes part in overlap and
	// placement checks but the segment carries no bytes of its own. The
	// image builder fills it.
	FlagReserved
)

// Segment is a contiguous run of bytes destined for physical address Start.
// Size may exceed len(Data); the remainder is zero-filled.
type Segment struct {
	Name  string
	Start uint32
	Size  int32
	Data  []byte
	Flags Flags
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return uint64(s.Start) + uint64(s.Size)
}

func (s Segment) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", s.Name, s.Start, s.End())
}

// SegmentID identifies a segment within its Layout. IDs are stable for the
// life of the layout.
type SegmentID int

// Range is a half-open address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Size() uint64 {
	return r.End - r.Start
}

type indexEntry struct {
	start uint32
	id    SegmentID
}

func lessEntry(a, b indexEntry) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.id < b.id
}

// Layout is an ordered collection of segments. Segments are stored in an
// arena addressed by SegmentID; a B-tree keyed by (start, id) provides the
// address order. A Layout is not safe for concurrent use; each build owns its
// own instance.
type Layout struct {
	segments []Segment
	index    *btree.BTreeG[indexEntry]
}

func New() *Layout {
	return &Layout{
		index: btree.NewG(8, lessEntry),
	}
}

// Add inserts seg. Ranges that are malformed on their own (negative size,
// more data than size, past 4 GiB) are rejected immediately; conflicts
// between segments are reported by Finalize.
func (l *Layout) Add(seg Segment) (SegmentID, error) {
	if seg.Size < 0 {
		return 0, &LayoutError{Segment: seg.Name, Start: uint64(seg.Start), Reason: fmt.Sprintf("negative size %d", seg.Size)}
	}
	if len(seg.Data) > int(seg.Size) {
		return 0, &LayoutError{Segment: seg.Name, Start: uint64(seg.Start), End: seg.End(),
			Reason: fmt.Sprintf("%d bytes of data exceed segment size %#x", len(seg.Data), seg.Size)}
	}
	if seg.End() > MaxAddress {
		return 0, &LayoutError{Segment: seg.Name, Start: uint64(seg.Start), End: seg.End(), Reason: "segment extends past 4 GiB"}
	}
	if seg.Flags&FlagReserved != 0 && len(seg.Data) != 0 {
		return 0, &LayoutError{Segment: seg.Name, Start: uint64(seg.Start), End: seg.End(), Reason: "reserved segment carries data"}
	}

	id := SegmentID(len(l.segments))
	l.segments = append(l.segments, seg)
	l.index.ReplaceOrInsert(indexEntry{start: seg.Start, id: id})
	return id, nil
}

// Segment returns the segment with the given id.
func (l *Layout) Segment(id SegmentID) (Segment, bool) {
	if id < 0 || int(id) >= len(l.segments) {
		return Segment{}, false
	}
	return l.segments[id], true
}

func (l *Layout) Len() int {
	return len(l.segments)
}

// Segments returns all segments in ascending start-address order.
func (l *Layout) Segments() []Segment {
	out := make([]Segment, 0, len(l.segments))
	l.ascend(func(seg Segment) bool {
		out = append(out, seg)
		return true
	})
	return out
}

func (l *Layout) ascend(fn func(Segment) bool) {
	l.index.Ascend(func(e indexEntry) bool {
		return fn(l.segments[e.id])
	})
}

// Span returns the lowest start address and the highest end address over all
// segments. ok is false for an empty layout.
func (l *Layout) Span() (start uint32, end uint64, ok bool) {
	first, ok := l.index.Min()
	if !ok {
		return 0, 0, false
	}
	start = first.start
	l.ascend(func(seg Segment) bool {
		if seg.End() > end {
			end = seg.End()
		}
		return true
	})
	return start, end, true
}

// Gaps returns the unoccupied ranges between consecutive segments.
func (l *Layout) Gaps() []Range {
	var gaps []Range
	var covered uint64
	first := true
	l.ascend(func(seg Segment) bool {
		if !first && uint64(seg.Start) > covered {
			gaps = append(gaps, Range{Start: covered, End: uint64(seg.Start)})
		}
		if first || seg.End() > covered {
			covered = seg.End()
		}
		first = false
		return true
	})
	return gaps
}

// Intersects reports whether [addr, addr+size) overlaps any segment.
// Empty ranges and empty segments never intersect.
func (l *Layout) Intersects(addr uint32, size uint64) bool {
	if size == 0 {
		return false
	}
	end := uint64(addr) + size
	hit := false
	l.ascend(func(seg Segment) bool {
		if uint64(seg.Start) >= end {
			return false
		}
		if seg.Size > 0 && seg.End() > uint64(addr) {
			hit = true
			return false
		}
		return true
	})
	return hit
}

// Finalize validates the layout: no two segments overlap and no segment
// begins inside or spans the memory hole unless it is a FlagLowMemory segment
// no larger than MaxSetupSize. Finalize may be called more than once.
func (l *Layout) Finalize() error {
	var (
		prev    Segment
		covered uint64
		first   = true
		err     error
	)
	l.ascend(func(seg Segment) bool {
		if e := checkHole(seg); e != nil {
			err = e
			return false
		}
		if seg.Size == 0 {
			return true
		}
		if !first && uint64(seg.Start) < covered {
			err = &LayoutError{
				Segment: seg.Name,
				Start:   uint64(seg.Start),
				End:     seg.End(),
				Reason:  "overlap",
				Err:     &OverlapError{First: prev, Second: seg},
			}
			return false
		}
		prev = seg
		covered = seg.End()
		first = false
		return true
	})
	return err
}

func checkHole(seg Segment) error {
	start, end := uint64(seg.Start), seg.End()
	inside := start >= HoleStart && start < HoleEnd
	spans := start < HoleStart && end > HoleStart
	if !inside && !spans {
		return nil
	}
	if seg.Flags&FlagLowMemory != 0 {
		if seg.Size > MaxSetupSize {
			return &LayoutError{Segment: seg.Name, Start: start, End: end,
				Reason: fmt.Sprintf("low-memory segment of %#x bytes exceeds %d sectors", seg.Size, SetupSectors)}
		}
		return nil
	}
	if inside {
		return &LayoutError{Segment: seg.Name, Start: start, End: end, Reason: "segment begins inside the memory hole"}
	}
	return &LayoutError{Segment: seg.Name, Start: start, End: end, Reason: "segment spans the memory hole boundary"}
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
