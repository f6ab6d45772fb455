package export

import (
	"bytes"
	"html/template"

	"procmap/api/internal/jobdesc"
)

var (
	raciTemplate    = template.Must(template.New("raci").Parse(raciHTMLTemplate))
	jobDescTemplate = template.Must(template.New("jobdesc").Parse(jobDescHTMLTemplate))
)

// raciTemplateData is the matrix reshaped for HTML rendering: cells are
// materialized per row in column order.
type raciTemplateData struct {
	ProcessTitle string
	RoleHeaders  []string
	Rows         []raciTemplateRow
}

type raciTemplateRow struct {
	StepLabel string
	StepType  string
	Cells     []string
}

// RenderRACIHTML renders the matrix as a printable HTML page.
func RenderRACIHTML(matrix Matrix) (string, error) {
	data := raciTemplateData{ProcessTitle: matrix.ProcessTitle}
	for _, role := range matrix.Roles {
		header := role.RoleName
		if role.DepartmentName != "" {
			header = role.RoleName + " — " + role.DepartmentName
		}
		data.RoleHeaders = append(data.RoleHeaders, header)
	}
	for _, row := range matrix.Rows {
		tr := raciTemplateRow{StepLabel: row.StepLabel, StepType: row.StepType}
		for _, role := range matrix.Roles {
			tr.Cells = append(tr.Cells, row.Cells[role.RoleID])
		}
		data.Rows = append(data.Rows, tr)
	}

	var buf bytes.Buffer
	if err := raciTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// jobDescTemplateData carries the structured sections plus context lines.
type jobDescTemplateData struct {
	Title              string
	RoleName           string
	DepartmentName     string
	OrganizationName   string
	GeneralDescription string
	Responsibilities   []string
	Objectives         []string
	Collaboration      []string
}

// RenderJobDescriptionHTML renders a job description as a printable HTML page.
func RenderJobDescriptionHTML(sections jobdesc.Sections, roleName, departmentName, organizationName string) (string, error) {
	data := jobDescTemplateData{
		Title:              sections.Title,
		RoleName:           roleName,
		DepartmentName:     departmentName,
		OrganizationName:   organizationName,
		GeneralDescription: sections.GeneralDescription,
		Responsibilities:   sections.Responsibilities,
		Objectives:         sections.Objectives,
		Collaboration:      sections.Collaboration,
	}

	var buf bytes.Buffer
	if err := jobDescTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const raciHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>RACI — {{.ProcessTitle}}</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 2rem; color: #1f2937; }
    h1 { border-bottom: 2px solid #0f766e; padding-bottom: 0.5rem; font-size: 1.4rem; }
    table { border-collapse: collapse; width: 100%; margin-top: 1.5rem; font-size: 0.85rem; }
    th, td { border: 1px solid #cbd5e1; padding: 6px 10px; text-align: center; }
    th { background: #f1f5f9; }
    td.step { text-align: left; }
    .legend { margin-top: 1.5rem; font-size: 0.8rem; color: #475569; }
  </style>
</head>
<body>
  <h1>RACI — {{.ProcessTitle}}</h1>
  <table>
    <tr>
      <th>Step</th>
      <th>Type</th>
      {{range .RoleHeaders}}<th>{{.}}</th>{{end}}
    </tr>
    {{range .Rows}}
    <tr>
      <td class="step">{{.StepLabel}}</td>
      <td>{{.StepType}}</td>
      {{range .Cells}}<td>{{.}}</td>{{end}}
    </tr>
    {{end}}
  </table>
  <p class="legend">R = Responsible &middot; A = Accountable &middot; C = Consulted &middot; I = Informed</p>
</body>
</html>`

const jobDescHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1f2937; }
    h1 { border-bottom: 2px solid #0f766e; padding-bottom: 0.5rem; font-size: 1.5rem; }
    h2 { font-size: 1.1rem; margin-top: 1.5rem; color: #0f766e; }
    .meta { color: #64748b; font-size: 0.9em; margin-bottom: 1.5rem; }
    ul { padding-left: 1.2rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.RoleName}}{{if .DepartmentName}} — {{.DepartmentName}}{{end}}{{if .OrganizationName}} | {{.OrganizationName}}{{end}}</div>

  <h2>Description générale</h2>
  <p>{{.GeneralDescription}}</p>

  <h2>Responsabilités</h2>
  <ul>{{range .Responsibilities}}<li>{{.}}</li>{{end}}</ul>

  <h2>Objectifs et indicateurs</h2>
  <ul>{{range .Objectives}}<li>{{.}}</li>{{end}}</ul>

  <h2>Collaborations</h2>
  <ul>{{range .Collaboration}}<li>{{.}}</li>{{end}}</ul>
</body>
</html>`
