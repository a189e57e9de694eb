// Package export renders a document with its comment highlights and an
// optional discussion appendix as HTML, PDF or DOCX.
package export

import (
	"errors"
	"time"

	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), nil
	case "":
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

type Request struct {
	Format         Format
	IncludeThreads bool
	// IncludeResolved keeps resolved threads in the appendix.
	IncludeResolved bool
}

// Document is the snapshot being exported.
type Document struct {
	ID        string
	Title     string
	Doc       *editor.Node
	Threads   []comments.Thread
	Users     map[string]string
	Author    string
	UpdatedAt time.Time
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("export format not supported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	ErrArchiveDisabled       = errors.New("export archive not configured")
)
