package search

import (
	"context"

	"go.uber.org/zap"
)

// Service tries the primary index first and falls back to Postgres.
type Service struct {
	primary  Backend
	fallback Searcher
	logger   *zap.Logger
	async    bool
}

// NewService creates a search service. primary may be nil when Meilisearch is
// not configured, fallback may be nil when there is no database.
func NewService(primary Backend, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, logger: logger.Named("search"), async: true}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("primary search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil || !s.fallback.Healthy() {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) IndexDocument(doc DocumentRecord) {
	s.push("index document", func(b Backend) error { return b.IndexDocument(doc) }, zap.String("document_id", doc.ID))
}

// ReplaceComments indexes records and drops the stale ids that are no longer
// live.
func (s *Service) ReplaceComments(records []CommentRecord, stale []string) {
	s.push("replace comments", func(b Backend) error {
		if err := b.DeleteComments(stale); err != nil {
			return err
		}
		return b.IndexComments(records)
	}, zap.Int("records", len(records)), zap.Int("stale", len(stale)))
}

func (s *Service) DeleteDocument(id string, commentIDs []string) {
	s.push("delete document", func(b Backend) error {
		if err := b.DeleteComments(commentIDs); err != nil {
			return err
		}
		return b.DeleteDocument(id)
	}, zap.String("document_id", id))
}

// ReindexAllFromPG pushes every persisted record into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context, source *PgFTS) {
	if s.primary == nil || !s.primary.Healthy() || source == nil {
		return
	}
	documents, records, err := source.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	for _, doc := range documents {
		if err := s.primary.IndexDocument(doc); err != nil {
			s.logger.Warn("reindex document failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	if err := s.primary.IndexComments(records); err != nil {
		s.logger.Warn("reindex comments failed", zap.Error(err))
	}
}

// push runs fn against the primary index without blocking the caller.
func (s *Service) push(op string, fn func(Backend) error, fields ...zap.Field) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	run := func() {
		if err := fn(s.primary); err != nil {
			s.logger.Warn(op+" failed", append(fields, zap.Error(err))...)
		}
	}
	if s.async {
		go run()
		return
	}
	run()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
