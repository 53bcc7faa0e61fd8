package export

import (
	"context"
	"fmt"

	"vigil/internal/store"
)

// ReportSource looks up committed reports.
type ReportSource interface {
	Report(id string) (store.Report, bool)
}

// PDFRenderer turns rendered HTML into a PDF document.
type PDFRenderer func(ctx context.Context, html, title string) (*Result, error)

// Service provides report export functionality
type Service struct {
	source ReportSource
	pdf    PDFRenderer
}

// NewService creates a new export service. A nil renderer uses headless Chrome.
func NewService(source ReportSource, pdf PDFRenderer) *Service {
	if pdf == nil {
		pdf = chromePDF
	}
	return &Service{source: source, pdf: pdf}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	report, ok := s.source.Report(req.ReportID)
	if !ok {
		return nil, ErrReportNotFound
	}

	name := sanitizeFilename(report.ID)

	switch req.Format {
	case FormatJSON, "":
		data, err := store.MarshalReport(report)
		if err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
		return &Result{Data: data, Filename: name + ".json", MimeType: "application/json"}, nil
	case FormatHTML:
		html, err := RenderReportHTML(NewTemplateData(report, req.Redact))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		html, err := RenderReportHTML(NewTemplateData(report, req.Redact))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return s.pdf(ctx, html, report.ID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
