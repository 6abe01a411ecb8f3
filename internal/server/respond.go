package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// pageParams are the validated pagination inputs of a list endpoint.
type pageParams struct {
	Page   int
	Limit  int
	Offset int
}

// parsePageParams validates ?page and ?limit. Returns an error message
// suitable for a 400 body when out of range.
func parsePageParams(r *http.Request) (pageParams, error) {
	p := pageParams{Page: 1, Limit: defaultPageLimit}
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page must be a positive integer")
		}
		p.Page = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			return p, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
		}
		p.Limit = n
	}
	p.Offset = (p.Page - 1) * p.Limit
	return p, nil
}

// pageLinks are absolute-path navigation links for a paginated listing.
type pageLinks struct {
	First string `json:"first"`
	Last  string `json:"last"`
	Next  string `json:"next,omitempty"`
	Prev  string `json:"prev,omitempty"`
}

// pagination is the envelope every list endpoint carries.
type pagination struct {
	CurrentPage int       `json:"currentPage"`
	TotalPages  int       `json:"totalPages"`
	TotalCount  int       `json:"totalCount"`
	Limit       int       `json:"limit"`
	HasNext     bool      `json:"hasNext"`
	HasPrev     bool      `json:"hasPrev"`
	NextPage    int       `json:"nextPage,omitempty"`
	PrevPage    int       `json:"prevPage,omitempty"`
	Links       pageLinks `json:"links"`
}

// paginatedResponse is the common list payload shape.
type paginatedResponse struct {
	Data       interface{}            `json:"data"`
	Pagination pagination             `json:"pagination"`
	Extra      map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra next to data and pagination.
func (p paginatedResponse) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"data":       p.Data,
		"pagination": p.Pagination,
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// buildPagination computes the envelope for a page of a total.
func buildPagination(r *http.Request, p pageParams, totalCount int) pagination {
	totalPages := (totalCount + p.Limit - 1) / p.Limit
	if totalPages < 1 {
		totalPages = 1
	}
	pg := pagination{
		CurrentPage: p.Page,
		TotalPages:  totalPages,
		TotalCount:  totalCount,
		Limit:       p.Limit,
		HasNext:     p.Page < totalPages,
		HasPrev:     p.Page > 1,
	}
	link := func(page int) string {
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(p.Limit))
		return r.URL.Path + "?" + q.Encode()
	}
	pg.Links.First = link(1)
	pg.Links.Last = link(totalPages)
	if pg.HasNext {
		pg.NextPage = p.Page + 1
		pg.Links.Next = link(pg.NextPage)
	}
	if pg.HasPrev {
		pg.PrevPage = p.Page - 1
		pg.Links.Prev = link(pg.PrevPage)
	}
	return pg
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("Failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error body
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
