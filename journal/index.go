package journal

import (
	"cmp"

	"github.com/INLOpen/skiplist"
)

// segmentIndex orders segments by base offset.
type segmentIndex struct {
	list *skiplist.SkipList[int64, *segment]
}

func newSegmentIndex() *segmentIndex {
	return &segmentIndex{list: skiplist.NewWithComparator[int64, *segment](cmp.Compare[int64])}
}

func (x *segmentIndex) add(s *segment) {
	x.list.Insert(s.base, s)
}

func (x *segmentIndex) len() int {
	return x.list.Len()
}

// floor returns the segment with the greatest base offset <= offset.
func (x *segmentIndex) floor(offset int64) *segment {
	var found *segment
	x.list.Range(func(base int64, s *segment) bool {
		if base > offset {
			return false
		}
		found = s
		return true
	})
	return found
}

// first returns the oldest segment, or nil.
func (x *segmentIndex) first() *segment {
	var found *segment
	x.list.Range(func(_ int64, s *segment) bool {
		found = s
		return false
	})
	return found
}

// all returns segments oldest first.
func (x *segmentIndex) all() []*segment {
	out := make([]*segment, 0, x.list.Len())
	x.list.Range(func(_ int64, s *segment) bool {
		out = append(out, s)
		return true
	})
	return out
}

// without returns a new index holding every segment not in removed.
func (x *segmentIndex) without(removed map[int64]struct{}) *segmentIndex {
	next := newSegmentIndex()
	x.list.Range(func(base int64, s *segment) bool {
		if _, gone := removed[base]; !gone {
			next.add(s)
		}
		return true
	})
	return next
}
