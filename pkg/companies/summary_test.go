package companies

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func portfolio() []*Company {
	return []*Company{
		{ID: uuid.New(), Name: "Acme", Sector: "fintech", Stage: StageSeed, Status: StatusActive,
			TotalInvested: ptr(1e6), CurrentValuation: ptr(20e6), OwnershipPct: ptr(10.0),
			CurrentARR: ptr(2e6), RunwayMonths: ptr(8.0)},
		{ID: uuid.New(), Name: "Beta", Sector: "health", Stage: StageSeriesA, Status: StatusActive,
			TotalInvested: ptr(3e6), CurrentValuation: ptr(40e6), OwnershipPct: ptr(5.0),
			CurrentARR: ptr(6e6), RunwayMonths: ptr(30.0)},
		{ID: uuid.New(), Name: "Gamma", Sector: "fintech", Status: StatusExited},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(portfolio())
	assert.Equal(t, 3, s.TotalCompanies)
	assert.Equal(t, 2, s.ActiveCompanies)
	assert.Equal(t, 4e6, s.TotalInvested)
	assert.Equal(t, 60e6, s.TotalValuation)
	assert.InDelta(t, 4e6, s.FairValue, 1e-6)
	require.NotNil(t, s.MOIC)
	assert.InDelta(t, 1.0, *s.MOIC, 1e-9)
	assert.Equal(t, 8e6, s.TotalARR)
	assert.Equal(t, map[string]int{"seed": 1, "series_a": 1, "unknown": 1}, s.ByStage)
	assert.Equal(t, map[string]int{"fintech": 2, "health": 1}, s.BySector)
	assert.Equal(t, []string{"Acme"}, s.ShortRunway)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.TotalCompanies)
	assert.Nil(t, s.MOIC)
}

func TestFilterMatchesAndSort(t *testing.T) {
	list := portfolio()

	f, err := ParseQuery("sector:fintech arr>1m")
	require.NoError(t, err)
	assert.True(t, f.Matches(list[0]))
	assert.False(t, f.Matches(list[1]))
	assert.False(t, f.Matches(list[2]), "unset metrics never match a comparison")

	f, err = ParseQuery("-stage:seed")
	require.NoError(t, err)
	assert.False(t, f.Matches(list[0]))
	assert.True(t, f.Matches(list[2]), "unset stage survives an exclusion")

	SortCompanies(list, Filter{SortBy: "arr", SortDesc: true})
	assert.Equal(t, []string{"Beta", "Acme", "Gamma"}, names(list))

	SortCompanies(list, Filter{SortBy: "arr"})
	assert.Equal(t, []string{"Acme", "Beta", "Gamma"}, names(list))

	SortCompanies(list, Filter{SortBy: "name", SortDesc: true})
	assert.Equal(t, []string{"Gamma", "Beta", "Acme"}, names(list))
}

func names(list []*Company) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Name
	}
	return out
}
