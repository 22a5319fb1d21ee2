package api

import (
	"net/http"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
)

// companyFilter builds a filter from ?q= (the company query language) plus
// explicit sort and paging parameters.
func companyFilter(r *http.Request) (companies.Filter, error) {
	q := r.URL.Query()
	f, err := companies.ParseQuery(q.Get("q"))
	if err != nil {
		return companies.Filter{}, err
	}
	if v := strings.TrimSpace(q.Get("sort")); v != "" {
		f.SortBy = strings.TrimPrefix(v, "-")
		f.SortDesc = strings.HasPrefix(v, "-")
	}
	if f.Limit, err = queryInt(r, "limit", f.Limit); err != nil {
		return companies.Filter{}, err
	}
	if f.Offset, err = queryInt(r, "offset", f.Offset); err != nil {
		return companies.Filter{}, err
	}
	return f, nil
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	f, err := companyFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Companies.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.deps.Companies.Count(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*companies.Company{}
	}
	writeJSONWithMeta(w, http.StatusOK, list, &Meta{TotalCount: total, Limit: f.EffectiveLimit(), Offset: f.Offset})
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var c companies.Company
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Companies.Create(r.Context(), &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Companies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleUpdateCompany applies a patch keyed by column id ("arr",
// "currentArr", "current_arr"); unknown keys land in extra_data.
func (s *Server) handleUpdateCompany(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Companies.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCompany(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Companies.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handlePortfolioSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := companies.Summary(r.Context(), s.deps.Companies)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
