package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// renderCSV writes the matrix with one header row of role names and one row
// per step.
func renderCSV(matrix Matrix) (*Result, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"Step", "Type"}
	for _, role := range matrix.Roles {
		label := role.RoleName
		if role.DepartmentName != "" {
			label = fmt.Sprintf("%s (%s)", role.RoleName, role.DepartmentName)
		}
		header = append(header, label)
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, row := range matrix.Rows {
		record := []string{row.StepLabel, row.StepType}
		for _, role := range matrix.Roles {
			record = append(record, row.Cells[role.RoleID])
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(matrix.ProcessTitle) + "-raci.csv",
		MimeType: "text/csv",
	}, nil
}
