// Package export renders a will as a print-ready document. The content
// is laid out with html/template, then handed to headless Chrome for
// PDF or to pandoc for DOCX.
package export

import (
	"errors"

	"heirloom/api/internal/willdoc"
)

// Format is the export output format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request carries one will version to render. Version is the short
// commit ref stamped into the footer; SealScore and SealLevel are the
// grade of exactly this content.
type Request struct {
	Format    Format
	Title     string
	Status    string
	Version   string
	SealScore int
	SealLevel string
	Content   willdoc.Content
}

// Result is the rendered document.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing means no Chromium binary was found.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing means pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
