package search

import (
	"sort"
	"strings"
	"sync"
)

// Local implements Searcher and Indexer in memory. It backs searches when
// Meilisearch is not configured or unhealthy.
type Local struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewLocal() *Local {
	return &Local{records: make(map[string]Record)}
}

func (l *Local) Healthy() bool { return true }

func (l *Local) IndexRecord(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = rec
	return nil
}

func (l *Local) DeleteRecord(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
	return nil
}

// Replace swaps the whole index content.
func (l *Local) Replace(records []Record) {
	next := make(map[string]Record, len(records))
	for _, rec := range records {
		next[rec.ID] = rec
	}
	l.mu.Lock()
	l.records = next
	l.mu.Unlock()
}

// Search matches records containing every query term, newest first.
// An empty query matches everything.
func (l *Local) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))

	l.mu.RLock()
	var matched []Record
	for _, rec := range l.records {
		if q.FilterStatus != "" && rec.Status != q.FilterStatus {
			continue
		}
		if matchesAll(rec, terms) {
			matched = append(matched, rec)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt == matched[j].CreatedAt {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt > matched[j].CreatedAt
	})

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := min(offset+limit, total)

	results := make([]Result, 0, end-offset)
	for _, rec := range matched[offset:end] {
		results = append(results, resultFromRecord(rec))
	}
	return results, total, nil
}

func matchesAll(rec Record, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(rec.Category + " " + strings.Join(rec.Checklist, " ") + " " + rec.Description)
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
