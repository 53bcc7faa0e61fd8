// Package export renders a single report for user-initiated download.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Request contains parameters for an export operation
type Request struct {
	ReportID string
	Format   Format
	// Redact hides the exact location and contact details in rendered formats.
	Redact bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrReportNotFound indicates the requested report does not exist.
	ErrReportNotFound = errors.New("export report not found")
	// ErrUnsupportedFormat indicates an unknown output format.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
