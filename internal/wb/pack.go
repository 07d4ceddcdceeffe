package wb

import (
	"fmt"
	"sort"
)

// PackedPage is one physical page's worth of placed entries, produced by
// PackPages (spec.md §4.2 Stage A). The caller (internal/ftl) still has to
// allocate an actual PPA for the page, copy entry bytes into the page
// image, write it through the backing store, and set the OOB row.
type PackedPage struct {
	Entries           []*Entry // Offset/Length already set on each
	TailPaddingGrains uint32   // trailing grains with no live data
}

// PackPages buckets entries by grain length and greedily best-fits the
// longest bucket that still fits into the page being filled, repeating
// until every entry is placed (spec.md §4.2: "bucket WB entries by grain
// length...greedily pack the longest bucket that still fits"). Any entry
// whose length exceeds grainsPerPage is rejected — the write pipeline
// assumes, per spec.md's value-size bound, that a KV pair never spans more
// than one physical page.
func PackPages(entries []*Entry, grainsPerPage uint32) ([]*PackedPage, error) {
	buckets := make(map[uint32][]*Entry)
	for _, e := range entries {
		if e.Length == 0 || e.Length > grainsPerPage {
			return nil, errOversizedEntry(e.Length, grainsPerPage)
		}
		buckets[e.Length] = append(buckets[e.Length], e)
	}

	lengths := make([]uint32, 0, len(buckets))
	for l := range buckets {
		lengths = append(lengths, l)
	}
	sort.Slice(lengths, func(i, j int) bool { return lengths[i] > lengths[j] })

	var pages []*PackedPage
	remaining := func() int {
		n := 0
		for _, l := range lengths {
			n += len(buckets[l])
		}
		return n
	}

	for remaining() > 0 {
		page := &PackedPage{}
		free := grainsPerPage
		for _, l := range lengths {
			for free >= l && len(buckets[l]) > 0 {
				e := buckets[l][0]
				buckets[l] = buckets[l][1:]
				e.Offset = grainsPerPage - free
				page.Entries = append(page.Entries, e)
				free -= l
			}
		}
		page.TailPaddingGrains = free
		pages = append(pages, page)
	}

	return pages, nil
}

func errOversizedEntry(length, grainsPerPage uint32) error {
	return fmt.Errorf("wb: entry needs %d grains, page only holds %d", length, grainsPerPage)
}
