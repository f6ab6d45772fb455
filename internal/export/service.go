package export

import (
	"fmt"

	"procmap/api/internal/jobdesc"
	"procmap/api/internal/process"
)

// Service renders exports from already-loaded domain data. Callers resolve
// org scoping and permissions before reaching this point.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// ExportRACI builds the matrix and renders it as CSV or PDF.
func (s *Service) ExportRACI(format Format, title string, steps []process.Step, departments []process.Department) (*Result, error) {
	matrix := BuildRACI(title, steps, departments)

	switch format {
	case FormatCSV:
		return renderCSV(matrix)
	case FormatPDF:
		html, err := RenderRACIHTML(matrix)
		if err != nil {
			return nil, fmt.Errorf("render raci template: %w", err)
		}
		return renderPDF(html, sanitizeFilename(title)+"-raci")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ExportJobDescription renders a job description as PDF or DOCX.
func (s *Service) ExportJobDescription(format Format, sections jobdesc.Sections, roleName, departmentName, organizationName string) (*Result, error) {
	html, err := RenderJobDescriptionHTML(sections, roleName, departmentName, organizationName)
	if err != nil {
		return nil, fmt.Errorf("render job description template: %w", err)
	}

	filename := sanitizeFilename(sections.Title)
	switch format {
	case FormatPDF:
		return renderPDF(html, filename)
	case FormatDOCX:
		return renderDOCX(html, filename)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
