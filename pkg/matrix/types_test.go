package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

func TestCoerceValue(t *testing.T) {
	v, err := CoerceValue(TypeCurrency, "$5.2M")
	require.NoError(t, err)
	assert.Equal(t, 5_200_000.0, v)

	v, err = CoerceValue(TypePercentage, "25%")
	require.NoError(t, err)
	assert.Equal(t, 25.0, v)

	v, err = CoerceValue(TypeNumber, "1,200")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, v)

	v, err = CoerceValue(TypeText, nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = CoerceValue(TypeFormula, 1)
	assert.ErrorIs(t, err, vcerrors.ErrValidation)
}

func TestColumnKind(t *testing.T) {
	assert.Equal(t, companies.KindInteger, Column{Type: TypeNumber, Field: "headcount"}.Kind())
	assert.Equal(t, companies.KindCurrency, Column{Type: TypeCurrency}.Kind())
	assert.Equal(t, companies.KindDate, Column{Type: TypeDate}.Kind())
	assert.Equal(t, companies.KindText, Column{Type: TypeAction}.Kind())
}

func TestCellValue(t *testing.T) {
	arr := 3e6
	c := &companies.Company{Name: "Acme", CurrentARR: &arr, ExtraData: map[string]any{"nps": 40.0}}
	assert.Equal(t, 3e6, CellValue(c, Column{Key: "arr", Field: "current_arr"}))
	assert.Equal(t, 40.0, CellValue(c, Column{Key: "nps"}))
	assert.Nil(t, CellValue(c, Column{Key: "valuation", Field: "current_valuation"}))
}

func TestEditFilterLimit(t *testing.T) {
	assert.Equal(t, 50, EditFilter{}.limit())
	assert.Equal(t, 500, EditFilter{Limit: 9000}.limit())
	assert.Equal(t, 7, EditFilter{Limit: 7}.limit())
}

func TestSourceLabel(t *testing.T) {
	assert.Equal(t, "action", sourceLabel("action:formula.runway"))
	assert.Equal(t, "user", sourceLabel("user"))
}
