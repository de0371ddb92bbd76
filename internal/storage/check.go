package storage

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SanityReport summarizes a structural check of the store.
type SanityReport struct {
	Records        int // live records, header and pseudo-root excluded
	FreeRecords    int
	Roots          int
	GlobalModCount int32
	Problems       []string
}

// OK reports whether no problem was found.
func (r *SanityReport) OK() bool { return len(r.Problems) == 0 }

func (r *SanityReport) add(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// CheckSanity walks every record and verifies parent links, child lists,
// the roots list and the free list against each other.
func (s *Store) CheckSanity() (*SanityReport, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.Unlock()

	report := &SanityReport{GlobalModCount: s.header.globalModCount}
	records := make(map[RecordID]Record, s.recordCount)
	flaggedFree := 0
	for id := firstRecord; int32(id) < s.recordCount; id++ {
		r, err := s.readRecord(id)
		if err != nil {
			return nil, err
		}
		records[id] = r
		if r.IsFree() {
			flaggedFree++
			continue
		}
		report.Records++
		if r.ModCount > s.header.globalModCount {
			report.add("record %d: mod count %d ahead of global %d", id, r.ModCount, s.header.globalModCount)
		}
		if r.Parent == id {
			report.add("record %d: is its own parent", id)
		}
	}

	// free list
	seen := make(map[RecordID]bool)
	for cur := s.header.freeListHead; cur != NullRecord; {
		if seen[cur] {
			report.add("free list: cycle at %d", cur)
			break
		}
		seen[cur] = true
		r, ok := records[cur]
		if !ok {
			report.add("free list: invalid id %d", cur)
			break
		}
		if !r.IsFree() {
			report.add("free list: record %d is live", cur)
		}
		report.FreeRecords++
		cur = r.Parent
	}
	if report.FreeRecords != flaggedFree {
		report.add("free list holds %d records, %d are flagged free", report.FreeRecords, flaggedFree)
	}

	// roots
	roots, err := s.ListRoots()
	if err != nil {
		return nil, err
	}
	report.Roots = len(roots)
	for _, root := range roots {
		r, ok := records[root.ID]
		switch {
		case !ok:
			report.add("roots: invalid id %d", root.ID)
		case r.IsFree():
			report.add("roots: record %d is free", root.ID)
		case r.Parent != NullRecord:
			report.add("roots: record %d has parent %d", root.ID, r.Parent)
		}
	}

	// child lists must point back at their parent
	for id, r := range records {
		if r.IsFree() || !r.IsDirectory() {
			continue
		}
		children, err := s.ListChildRecordIDs(id)
		if err != nil {
			report.add("record %d: unreadable children: %v", id, err)
			continue
		}
		for _, c := range children {
			cr, ok := records[c]
			switch {
			case !ok:
				report.add("record %d: invalid child %d", id, c)
			case cr.IsFree():
				report.add("record %d: child %d is free", id, c)
			case cr.Parent != id:
				report.add("record %d: child %d has parent %d", id, c, cr.Parent)
			}
		}
	}

	if !report.OK() {
		log.WithFields(log.Fields{"dir": s.dir, "problems": len(report.Problems)}).Warn("store sanity check failed")
	}
	return report, nil
}
