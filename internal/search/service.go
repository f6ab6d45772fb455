package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexProcess indexes a process (fire-and-forget to Meilisearch).
func (s *Service) IndexProcess(p ProcessRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProcess(p); err != nil {
			log.Printf("search: index process %s: %v", p.ID, err)
		}
	}()
}

// IndexRole indexes a role (fire-and-forget to Meilisearch).
func (s *Service) IndexRole(r RoleRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRole(r); err != nil {
			log.Printf("search: index role %s: %v", r.ID, err)
		}
	}()
}

// IndexDepartment indexes a department (fire-and-forget to Meilisearch).
func (s *Service) IndexDepartment(d DepartmentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDepartment(d); err != nil {
			log.Printf("search: index department %s: %v", d.ID, err)
		}
	}()
}

// DeleteProcess removes a process from the search index (fire-and-forget).
func (s *Service) DeleteProcess(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProcess(id); err != nil {
			log.Printf("search: delete process %s: %v", id, err)
		}
	}()
}

// DeleteRole removes a role from the search index (fire-and-forget).
func (s *Service) DeleteRole(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRole(id); err != nil {
			log.Printf("search: delete role %s: %v", id, err)
		}
	}()
}

// DeleteDepartment removes a department from the search index (fire-and-forget).
func (s *Service) DeleteDepartment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDepartment(id); err != nil {
			log.Printf("search: delete department %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	processes, roles, departments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexProcesses(processes); err != nil {
		log.Printf("search: reindex processes: %v", err)
	}
	if err := s.meili.IndexRoles(roles); err != nil {
		log.Printf("search: reindex roles: %v", err)
	}
	if err := s.meili.IndexDepartments(departments); err != nil {
		log.Printf("search: reindex departments: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
