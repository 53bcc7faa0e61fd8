package search

import (
	"log/slog"

	"vigil/internal/logger"
)

// Service is the facade that tries Meilisearch first and falls back to the local index.
// The local index is always kept current; Meilisearch writes are fire-and-forget.
type Service struct {
	meili *Meili
	local *Local
	log   *logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{meili: meili, local: NewLocal(), log: log.WithComponent("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to the local index.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to local index", slog.String("error", err.Error()))
	}

	results, total, _ := s.local.Search(q)
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index adds or updates a record. Held records stay in the local index.
func (s *Service) Index(rec Record) {
	_ = s.local.IndexRecord(rec)
	if rec.Held || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecord(rec); err != nil {
			s.log.Warn("index record failed", slog.String("report_id", rec.ID), slog.String("error", err.Error()))
		}
	}()
}

// Delete removes a record. Meilisearch is only told about records it was given.
func (s *Service) Delete(rec Record) {
	_ = s.local.DeleteRecord(rec.ID)
	if rec.Held || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(rec.ID); err != nil {
			s.log.Warn("delete record failed", slog.String("report_id", rec.ID), slog.String("error", err.Error()))
		}
	}()
}

// ReindexAll replaces the local index and pushes every record that is not
// held to Meilisearch. Called at startup with the loaded collection.
func (s *Service) ReindexAll(records []Record) {
	s.local.Replace(records)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	shared := shareable(records)
	if len(shared) == 0 {
		return
	}
	if err := s.meili.IndexRecords(shared); err != nil {
		s.log.Warn("reindex failed", slog.String("error", err.Error()))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
