package search

import (
	"strings"

	"vigil/internal/store"
)

// Record is the public projection of a report that is indexed. It never
// carries the exact location, contact details or media.
type Record struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Checklist   []string `json:"checklist,omitempty"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	BlurRadius  int      `json:"blurRadius"`
	CreatedAt   int64    `json:"createdAt"`
	// Held records belong to reports still gated by safe upload. They are
	// searchable on the device but never leave it.
	Held bool `json:"-"`
}

// RecordFromReport builds the indexed record of r.
func RecordFromReport(r store.Report) Record {
	return Record{
		ID:          r.ID,
		Category:    r.Category,
		Checklist:   append([]string(nil), r.Checklist...),
		Description: r.Description,
		Status:      string(r.Status),
		Latitude:    r.PublicLocation.Latitude,
		Longitude:   r.PublicLocation.Longitude,
		BlurRadius:  r.BlurRadius,
		CreatedAt:   r.CreatedAt.Unix(),
		Held:        !r.SafeUpload.Ready,
	}
}

func shareable(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if !rec.Held {
			out = append(out, rec)
		}
	}
	return out
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string  `json:"id"`
	Category  string  `json:"category"`
	Status    string  `json:"status"`
	Snippet   string  `json:"snippet"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push records into a search index.
type Indexer interface {
	IndexRecord(rec Record) error
	DeleteRecord(id string) error
}

func resultFromRecord(rec Record) Result {
	return Result{
		ID:        rec.ID,
		Category:  firstNonBlank(rec.Category, strings.Join(rec.Checklist, ", ")),
		Status:    rec.Status,
		Snippet:   rec.Description,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
