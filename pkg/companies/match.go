package companies

import (
	"sort"
	"strings"
)

// Matches evaluates filter against c in memory, with the same semantics as
// the SQL built for List.
func (f Filter) Matches(c *Company) bool {
	sector := strings.ToLower(c.Sector)
	if len(f.Sectors) > 0 && !containsFold(f.Sectors, sector) {
		return false
	}
	if len(f.ExcludeSectors) > 0 && sector != "" && containsFold(f.ExcludeSectors, sector) {
		return false
	}
	if len(f.Stages) > 0 && !containsStage(f.Stages, c.Stage) {
		return false
	}
	if len(f.ExcludeStages) > 0 && c.Stage != "" && containsStage(f.ExcludeStages, c.Stage) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == c.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FundID != nil && (c.FundID == nil || *c.FundID != *f.FundID) {
		return false
	}
	if f.NameSearch != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.NameSearch)) {
		return false
	}
	for _, m := range f.Metrics {
		field, ok := ResolveField(m.Field)
		if !ok {
			continue
		}
		v, ok := c.Number(field.Column)
		if !ok || !compare(v, m.Op, m.Value) {
			return false
		}
	}
	return true
}

func compare(v float64, op CompareOp, target float64) bool {
	switch op {
	case OpGT:
		return v > target
	case OpGE:
		return v >= target
	case OpLT:
		return v < target
	case OpLE:
		return v <= target
	case OpEQ:
		return v == target
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func containsStage(list []Stage, v Stage) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SortCompanies orders list the way List does: by the filter's sort field
// with unset values last, then by name.
func SortCompanies(list []*Company, f Filter) {
	field, ok := ResolveField(f.SortBy)
	if f.SortBy == "" || !ok {
		field = Field{Key: "name", Column: "name", Kind: KindText}
	}
	byName := func(a, b *Company) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) }

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if field.Column == "name" {
			if f.SortDesc {
				return byName(b, a)
			}
			return byName(a, b)
		}
		cmp, aok, bok := compareField(a, b, field)
		switch {
		case !aok && !bok:
			return byName(a, b)
		case !aok:
			return false
		case !bok:
			return true
		case cmp == 0:
			return byName(a, b)
		case f.SortDesc:
			return cmp > 0
		default:
			return cmp < 0
		}
	})
}

func compareField(a, b *Company, field Field) (cmp int, aok, bok bool) {
	if field.Kind.Numeric() {
		av, aok := a.Number(field.Column)
		bv, bok := b.Number(field.Column)
		switch {
		case av < bv:
			cmp = -1
		case av > bv:
			cmp = 1
		}
		return cmp, aok, bok
	}
	as, aok := textKey(a, field)
	bs, bok := textKey(b, field)
	return strings.Compare(as, bs), aok, bok
}

func textKey(c *Company, field Field) (string, bool) {
	s, ok := PlainValue(c.FieldValue(field.Column)).(string)
	if !ok || s == "" {
		return "", false
	}
	return strings.ToLower(s), true
}
