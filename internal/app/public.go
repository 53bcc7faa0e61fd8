package app

import (
	"time"

	"vigil/internal/geo"
	"vigil/internal/store"
)

// PublicReport is what a report looks like to anyone but its author: the
// sampled location only, no contact details, and no media still held back.
type PublicReport struct {
	ID          string               `json:"id"`
	CreatedAt   time.Time            `json:"createdAt"`
	Category    string               `json:"category"`
	Checklist   []string             `json:"checklist,omitempty"`
	Description string               `json:"description"`
	Location    geo.Point            `json:"location"`
	BlurRadius  int                  `json:"blurRadius"`
	Media       []store.Media        `json:"media"`
	Status      store.Status         `json:"status"`
	History     []store.HistoryEntry `json:"history"`
}

func PublicView(r store.Report) PublicReport {
	view := PublicReport{
		ID:          r.ID,
		CreatedAt:   r.CreatedAt,
		Category:    r.Category,
		Checklist:   append([]string(nil), r.Checklist...),
		Description: r.Description,
		Location:    geo.Point{Latitude: r.PublicLocation.Latitude, Longitude: r.PublicLocation.Longitude},
		BlurRadius:  r.BlurRadius,
		Media:       []store.Media{},
		Status:      r.Status,
		History:     append([]store.HistoryEntry(nil), r.History...),
	}
	for _, m := range r.Media {
		if !m.Locked {
			view.Media = append(view.Media, m)
		}
	}
	return view
}

func publicViews(reports []store.Report) []PublicReport {
	views := make([]PublicReport, 0, len(reports))
	for _, r := range reports {
		views = append(views, PublicView(r))
	}
	return views
}
