package companies

import (
	"context"
	"sort"
)

// PortfolioSummary aggregates the portfolio for dashboards and the agent.
type PortfolioSummary struct {
	TotalCompanies  int            `json:"total_companies"`
	ActiveCompanies int            `json:"active_companies"`
	TotalInvested   float64        `json:"total_invested"`
	TotalValuation  float64        `json:"total_valuation"`
	FairValue       float64        `json:"fair_value"`
	MOIC            *float64       `json:"moic"`
	TotalARR        float64        `json:"total_arr"`
	ByStage         map[string]int `json:"by_stage"`
	BySector        map[string]int `json:"by_sector"`
	ShortRunway     []string       `json:"short_runway,omitempty"`
}

// ShortRunwayMonths flags companies with less runway than this.
const ShortRunwayMonths = 12.0

// Summarize computes portfolio totals. FairValue is the ownership-weighted
// valuation and MOIC is FairValue over TotalInvested.
func Summarize(list []*Company) PortfolioSummary {
	s := PortfolioSummary{
		ByStage:  map[string]int{},
		BySector: map[string]int{},
	}
	for _, c := range list {
		s.TotalCompanies++
		if c.Status == StatusActive || c.Status == "" {
			s.ActiveCompanies++
		}
		if c.TotalInvested != nil {
			s.TotalInvested += *c.TotalInvested
		}
		if c.CurrentValuation != nil {
			s.TotalValuation += *c.CurrentValuation
			if c.OwnershipPct != nil {
				s.FairValue += *c.CurrentValuation * *c.OwnershipPct / 100
			}
		}
		if c.CurrentARR != nil {
			s.TotalARR += *c.CurrentARR
		}

		stage := string(c.Stage)
		if stage == "" {
			stage = "unknown"
		}
		s.ByStage[stage]++

		sector := c.Sector
		if sector == "" {
			sector = "unknown"
		}
		s.BySector[sector]++

		if c.RunwayMonths != nil && *c.RunwayMonths < ShortRunwayMonths {
			s.ShortRunway = append(s.ShortRunway, c.Name)
		}
	}
	if s.TotalInvested > 0 {
		moic := s.FairValue / s.TotalInvested
		s.MOIC = &moic
	}
	sort.Strings(s.ShortRunway)
	return s
}

// ListAll pages through every company matching filter, ignoring its
// Limit and Offset.
func ListAll(ctx context.Context, store Store, filter Filter) ([]*Company, error) {
	filter.Limit = MaxLimit
	filter.Offset = 0
	var all []*Company
	for {
		page, err := store.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < MaxLimit {
			return all, nil
		}
		filter.Offset += len(page)
	}
}

// Summary summarises the whole portfolio held in store.
func Summary(ctx context.Context, store Store) (PortfolioSummary, error) {
	all, err := ListAll(ctx, store, Filter{})
	if err != nil {
		return PortfolioSummary{}, err
	}
	return Summarize(all), nil
}
