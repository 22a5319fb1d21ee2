package companies

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

func TestParseQuery_Full(t *testing.T) {
	f, err := ParseQuery(`sector:fintech,insurtech stage:seed,series-a -stage:growth arr>5m growth>=50% sort:-arr limit:20 "acme labs"`)
	require.NoError(t, err)

	assert.Equal(t, []string{"fintech", "insurtech"}, f.Sectors)
	assert.Equal(t, []Stage{StageSeed, StageSeriesA}, f.Stages)
	assert.Equal(t, []Stage{StageGrowth}, f.ExcludeStages)
	require.Len(t, f.Metrics, 2)
	assert.Equal(t, MetricCondition{Field: "arr", Op: OpGT, Value: 5e6}, f.Metrics[0])
	assert.Equal(t, MetricCondition{Field: "growth", Op: OpGE, Value: 50}, f.Metrics[1])
	assert.Equal(t, "arr", f.SortBy)
	assert.True(t, f.SortDesc)
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, "acme labs", f.NameSearch)
}

func TestParseQuery_BareWords(t *testing.T) {
	f, err := ParseQuery("acme robotics")
	require.NoError(t, err)
	assert.Equal(t, "acme robotics", f.NameSearch)
	assert.Empty(t, f.Metrics)
}

func TestParseQuery_Errors(t *testing.T) {
	tests := []struct {
		query   string
		message string
	}{
		{`"unclosed`, "unclosed"},
		{"stage:mezzanine", "unknown stage"},
		{"colour:red", "unknown filter"},
		{"sector>5", "not a numeric field"},
		{"arr>lots", "invalid number"},
		{"limit:-3", "non-negative"},
		{"sort:favourite", "cannot sort"},
		{"fund:abc", "UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, err := ParseQuery(tt.query)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
			assert.True(t, errors.Is(err, vcerrors.ErrValidation))
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestFilterEffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Filter{}.EffectiveLimit())
	assert.Equal(t, 10, Filter{Limit: 10}.EffectiveLimit())
	assert.Equal(t, MaxLimit, Filter{Limit: 10_000}.EffectiveLimit())
}

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(Filter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	f, err := ParseQuery("sector:FinTech -stage:growth status:active arr>=1m acme_co")
	require.NoError(t, err)
	where, args = buildWhere(f)

	assert.Equal(t,
		" WHERE LOWER(sector) = ANY($1) AND (stage IS NULL OR NOT stage = ANY($2)) AND status = ANY($3)"+
			" AND name ILIKE '%' || $4 || '%' AND current_arr >= $5",
		where)
	require.Len(t, args, 5)
	assert.Equal(t, []string{"fintech"}, args[0])
	assert.Equal(t, []string{"growth"}, args[1])
	assert.Equal(t, []string{"active"}, args[2])
	assert.Equal(t, `acme\_co`, args[3])
	assert.Equal(t, 1e6, args[4])
}

func TestBuildWhere_IgnoresUnknownMetricFields(t *testing.T) {
	where, args := buildWhere(Filter{Metrics: []MetricCondition{
		{Field: "name; DROP TABLE companies", Op: OpGT, Value: 1},
		{Field: "arr", Op: "<>", Value: 1},
	}})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestBuildOrder(t *testing.T) {
	assert.Equal(t, " ORDER BY name ASC", buildOrder(Filter{}))
	assert.Equal(t, " ORDER BY current_arr DESC NULLS LAST, name ASC", buildOrder(Filter{SortBy: "arr", SortDesc: true}))
	assert.Equal(t, " ORDER BY name DESC", buildOrder(Filter{SortBy: "company", SortDesc: true}))
	assert.True(t, strings.HasPrefix(buildOrder(Filter{SortBy: "bogus"}), " ORDER BY name"))
}
