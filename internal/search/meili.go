package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxProcesses   = "procmap_processes"
	idxRoles       = "procmap_roles"
	idxDepartments = "procmap_departments"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// The caller keeps going without search if the initial connection fails;
// the health loop picks it up when it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxProcesses,
			primaryKey: "id",
			filterable: []string{"orgId"},
			searchable: []string{"title"},
		},
		{
			uid:        idxRoles,
			primaryKey: "id",
			filterable: []string{"orgId", "departmentId"},
			searchable: []string{"name", "departmentName"},
		},
		{
			uid:        idxDepartments,
			primaryKey: "id",
			filterable: []string{"orgId"},
			searchable: []string{"name"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxProcesses, ResultProcess},
		{idxRoles, ResultRole},
		{idxDepartments, ResultDepartment},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		if q.OrgID != "" {
			sr.Filter = []string{fmt.Sprintf("orgId = %q", q.OrgID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxProcesses:
		return ResultProcess
	case idxRoles:
		return ResultRole
	case idxDepartments:
		return ResultDepartment
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.OrgID = decodeString(hit, "orgId")

	switch rtyp {
	case ResultProcess:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	case ResultRole:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = decodeString(hit, "departmentName")
		r.DepartmentID = decodeString(hit, "departmentId")
	case ResultDepartment:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexProcess adds or updates a process in the search index.
func (m *Meili) IndexProcess(p ProcessRecord) error {
	_, err := m.client.Index(idxProcesses).AddDocuments([]ProcessRecord{p}, nil)
	return err
}

// IndexRole adds or updates a role in the search index.
func (m *Meili) IndexRole(r RoleRecord) error {
	_, err := m.client.Index(idxRoles).AddDocuments([]RoleRecord{r}, nil)
	return err
}

// IndexDepartment adds or updates a department in the search index.
func (m *Meili) IndexDepartment(d DepartmentRecord) error {
	_, err := m.client.Index(idxDepartments).AddDocuments([]DepartmentRecord{d}, nil)
	return err
}

// DeleteProcess removes a process from the search index.
func (m *Meili) DeleteProcess(id string) error {
	_, err := m.client.Index(idxProcesses).DeleteDocument(id, nil)
	return err
}

// DeleteRole removes a role from the search index.
func (m *Meili) DeleteRole(id string) error {
	_, err := m.client.Index(idxRoles).DeleteDocument(id, nil)
	return err
}

// DeleteDepartment removes a department from the search index.
func (m *Meili) DeleteDepartment(id string) error {
	_, err := m.client.Index(idxDepartments).DeleteDocument(id, nil)
	return err
}

// IndexProcesses bulk-indexes processes.
func (m *Meili) IndexProcesses(processes []ProcessRecord) error {
	if len(processes) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProcesses).AddDocuments(processes, nil)
	return err
}

// IndexRoles bulk-indexes roles.
func (m *Meili) IndexRoles(roles []RoleRecord) error {
	if len(roles) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRoles).AddDocuments(roles, nil)
	return err
}

// IndexDepartments bulk-indexes departments.
func (m *Meili) IndexDepartments(departments []DepartmentRecord) error {
	if len(departments) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDepartments).AddDocuments(departments, nil)
	return err
}
