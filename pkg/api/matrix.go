package api

import (
	"net/http"

	"github.com/otherjamesbrown/vcmatrix/pkg/cellactions"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
)

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	f, err := companyFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grid, err := s.deps.Matrix.Grid(r.Context(), matrix.GridRequest{Filter: f})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, http.StatusOK, grid, &Meta{TotalCount: grid.TotalCount, Limit: f.EffectiveLimit(), Offset: f.Offset})
}

func (s *Server) handleListColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := s.deps.Matrix.ListColumns(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleCreateColumn(w http.ResponseWriter, r *http.Request) {
	var col matrix.Column
	if err := decodeJSON(r, &col); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Matrix.CreateColumn(r.Context(), &col); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *Server) handleUpdateColumn(w http.ResponseWriter, r *http.Request) {
	var upd matrix.ColumnUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	col, err := s.deps.Matrix.UpdateColumn(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (s *Server) handleDeleteColumn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Matrix.DeleteColumn(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

type reorderRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleReorderColumns(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cols, err := s.deps.Matrix.ReorderColumns(r.Context(), req.Keys)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleUpdateCell(w http.ResponseWriter, r *http.Request) {
	var req matrix.CellUpdate
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cell, err := s.deps.Matrix.UpdateCell(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

func (s *Server) handleListEdits(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	edits, err := s.deps.Matrix.ListEdits(r.Context(), matrix.EditFilter{
		CompanyID: q.Get("company_id"),
		ColumnKey: q.Get("column_key"),
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if edits == nil {
		edits = []matrix.Edit{}
	}
	writeJSONWithMeta(w, http.StatusOK, edits, &Meta{TotalCount: len(edits), Limit: limit})
}

type revertRequest struct {
	EditedBy string `json:"edited_by"`
}

func (s *Server) handleRevertEdit(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cell, err := s.deps.Matrix.RevertEdit(r.Context(), r.PathValue("id"), req.EditedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

// handleListActions lists every action, or those writing ?column=.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	reg := s.deps.Actions.Registry()
	var actions []*cellactions.Action
	if col := r.URL.Query().Get("column"); col != "" {
		actions = reg.ForColumn(col)
	} else {
		actions = reg.List()
	}
	if actions == nil {
		actions = []*cellactions.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req cellactions.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ActionID = r.PathValue("id")
	res, err := s.deps.Actions.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
