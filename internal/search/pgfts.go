package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Queries use the 'simple' configuration since entity names are short and
// often French.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL query across processes, roles, and departments
// using plainto_tsquery and ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.OrgID}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultProcess {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'process'::text AS type, p.id, p.title,
				''::text AS snippet,
				p.org_id,
				''::text AS department_id,
				ts_rank(p.fts, %s) AS rank
			FROM processes p
			WHERE p.fts @@ %s AND p.org_id = $2`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultRole {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'role'::text AS type, r.id, r.name AS title,
				d.name AS snippet,
				d.org_id,
				r.department_id,
				ts_rank(r.fts, %s) AS rank
			FROM roles r
			JOIN departments d ON d.id = r.department_id
			WHERE r.fts @@ %s AND d.org_id = $2`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultDepartment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'department'::text AS type, d.id, d.name AS title,
				''::text AS snippet,
				d.org_id,
				''::text AS department_id,
				ts_rank(d.fts, %s) AS rank
			FROM departments d
			WHERE d.fts @@ %s AND d.org_id = $2`, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, org_id, department_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.OrgID, &r.DepartmentID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProcessRecord, []RoleRecord, []DepartmentRecord, error) {
	processRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, org_id, jsonb_array_length(steps)
		FROM processes
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load processes: %w", err)
	}
	defer processRows.Close()

	processes := make([]ProcessRecord, 0)
	for processRows.Next() {
		var record ProcessRecord
		if err := processRows.Scan(&record.ID, &record.Title, &record.OrgID, &record.StepCount); err != nil {
			return nil, nil, nil, fmt.Errorf("scan process: %w", err)
		}
		processes = append(processes, record)
	}
	if err := processRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate processes: %w", err)
	}

	roleRows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.department_id, d.name, d.org_id
		FROM roles r
		JOIN departments d ON d.id = r.department_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load roles: %w", err)
	}
	defer roleRows.Close()

	roles := make([]RoleRecord, 0)
	for roleRows.Next() {
		var record RoleRecord
		if err := roleRows.Scan(&record.ID, &record.Name, &record.DepartmentID, &record.DepartmentName, &record.OrgID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, record)
	}
	if err := roleRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate roles: %w", err)
	}

	departmentRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, org_id FROM departments
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load departments: %w", err)
	}
	defer departmentRows.Close()

	departments := make([]DepartmentRecord, 0)
	for departmentRows.Next() {
		var record DepartmentRecord
		if err := departmentRows.Scan(&record.ID, &record.Name, &record.OrgID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan department: %w", err)
		}
		departments = append(departments, record)
	}
	if err := departmentRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate departments: %w", err)
	}

	return processes, roles, departments, nil
}
