package api

import (
	"net/http"

	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation/batch"
)

// calculate decodes In, runs fn and writes its result.
func calculate[In, Out any](s *Server, w http.ResponseWriter, r *http.Request, fn func(In) (Out, error)) {
	var in In
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := fn(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePWERM(w http.ResponseWriter, r *http.Request) {
	calculate(s, w, r, valuation.PWERM)
}

func (s *Server) handleDCF(w http.ResponseWriter, r *http.Request) {
	calculate(s, w, r, valuation.DCF)
}

func (s *Server) handleComparables(w http.ResponseWriter, r *http.Request) {
	calculate(s, w, r, valuation.Comparables)
}

func (s *Server) handleCAPM(w http.ResponseWriter, r *http.Request) {
	calculate(s, w, r, valuation.CAPM)
}

type waccResult struct {
	WACC float64 `json:"wacc"`
}

func (s *Server) handleWACC(w http.ResponseWriter, r *http.Request) {
	calculate(s, w, r, func(in valuation.WACCInput) (waccResult, error) {
		v, err := valuation.WACC(in.Equity, in.Debt, in.CostOfEquity, in.CostOfDebt, in.TaxRate)
		return waccResult{WACC: v}, err
	})
}

type companyValuationRequest struct {
	Method string `json:"method"`
	valuation.Overrides
}

func (s *Server) handleValueCompany(w http.ResponseWriter, r *http.Request) {
	var req companyValuationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	method, err := valuation.ParseMethod(req.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Valuation.ValueCompanyByID(r.Context(), r.PathValue("id"), method, req.Overrides)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Batch.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.deps.Batch.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []batch.Job{}
	}
	writeJSONWithMeta(w, http.StatusOK, jobs, &Meta{TotalCount: len(jobs), Limit: limit})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Batch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Batch.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
