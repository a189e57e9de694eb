package export

import (
	"context"
	"fmt"
	"html/template"
	"sort"

	"go.uber.org/zap"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/comments"
)

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	logger *zap.Logger
	pdf    renderFunc
	docx   renderFunc
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("export"), pdf: exportPDF, docx: exportDOCX}
}

func (s *Service) Export(ctx context.Context, req Request, doc Document) (*Result, error) {
	data := TemplateData{
		Title:       doc.Title,
		ContentHTML: template.HTML(ProseMirrorToHTML(doc.Doc)),
		Author:      doc.Author,
		UpdatedAt:   doc.UpdatedAt,
		Threads:     []TemplateThread{},
	}
	if req.IncludeThreads {
		data.Threads = appendix(doc, req.IncludeResolved)
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	s.logger.Debug("export rendered",
		zap.String("document_id", doc.ID),
		zap.String("format", string(req.Format)),
		zap.Int("threads", len(data.Threads)),
	)

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, doc.Title)
	case FormatDOCX:
		return s.docx(ctx, html, doc.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// appendix lists threads with live comments in document order; threads
// whose annotation is gone follow in creation order.
func appendix(doc Document, includeResolved bool) []TemplateThread {
	type entry struct {
		thread   TemplateThread
		pos      int
		anchored bool
		created  int64
	}

	var entries []entry
	for _, t := range doc.Threads {
		if t.Resolved() && !includeResolved {
			continue
		}
		active := t.ActiveComments()
		if len(active) == 0 {
			continue
		}
		e := entry{
			thread: TemplateThread{
				ID:       t.ID,
				Resolved: t.Resolved(),
				Comments: templateComments(active, doc.Users),
			},
			created: t.CreatedAt.UnixNano(),
		}
		if doc.Doc != nil {
			if r, ok := anchor.FirstRange(doc.Doc, t.ID); ok {
				e.thread.Quote = doc.Doc.TextBetween(r.From, r.To, " ")
				e.pos = r.From
				e.anchored = true
			}
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].anchored != entries[j].anchored {
			return entries[i].anchored
		}
		if entries[i].anchored {
			return entries[i].pos < entries[j].pos
		}
		return entries[i].created < entries[j].created
	})

	out := make([]TemplateThread, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.thread)
	}
	return out
}

func templateComments(list []comments.Comment, users map[string]string) []TemplateComment {
	out := make([]TemplateComment, 0, len(list))
	for _, c := range list {
		author := users[c.UserID]
		if author == "" {
			author = c.UserID
		}
		out = append(out, TemplateComment{Author: author, Body: c.Content, CreatedAt: c.CreatedAt})
	}
	return out
}
