package export

import "fmt"

// Service renders wills. It holds no state; the request carries
// everything, so exports of old versions never race concurrent edits.
type Service struct{}

func New() *Service {
	return &Service{}
}

// Export renders the will in the requested format.
func (s *Service) Export(req Request) (*Result, error) {
	html, err := renderWillHTML(willTemplateData(req))
	if err != nil {
		return nil, fmt.Errorf("render will: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, req.Title)
	case FormatDOCX:
		return exportDOCX(html, req.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
