package rules

// Snapshot is an immutable, point-in-time view of every reward table.
// Inactive records are retained so the evaluator can tell "inactive" from
// "not configured".
type Snapshot struct {
	records  map[Category]map[string]Record
	versions map[Category]int64
	maxDay   int
}

// NewSnapshot indexes records. Later duplicates of a key replace earlier ones.
func NewSnapshot(records []Record, versions map[Category]int64) *Snapshot {
	s := &Snapshot{
		records:  make(map[Category]map[string]Record),
		versions: make(map[Category]int64, len(versions)),
	}
	for c, v := range versions {
		s.versions[c] = v
	}
	for _, r := range records {
		byKey, ok := s.records[r.Category]
		if !ok {
			byKey = make(map[string]Record)
			s.records[r.Category] = byKey
		}
		byKey[r.Key] = r
	}
	for key, r := range s.records[CategorySignIn] {
		if !r.Active {
			continue
		}
		if day, ok := ParseSignInDay(key); ok && day > s.maxDay {
			s.maxDay = day
		}
	}
	return s
}

// Lookup returns the record for a key, active or not.
func (s *Snapshot) Lookup(category Category, key string) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	r, ok := s.records[category][key]
	return r, ok
}

// MaxSignInDay is the highest active sign-in day, 0 if none.
func (s *Snapshot) MaxSignInDay() int {
	if s == nil {
		return 0
	}
	return s.maxDay
}

func (s *Snapshot) Version(category Category) int64 {
	if s == nil {
		return 0
	}
	return s.versions[category]
}

// Records returns every record of a category, ordered.
func (s *Snapshot) Records(category Category) []Record {
	if s == nil {
		return nil
	}
	out := make([]Record, 0, len(s.records[category]))
	for _, r := range s.records[category] {
		out = append(out, r)
	}
	SortRecords(out)
	return out
}
