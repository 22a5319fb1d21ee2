package companies

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/otherjamesbrown/vcmatrix/pkg/db"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Patch is a validated partial update. Set holds coerced values keyed by DB
// column; Extra holds custom keys stored in extra_data, where a nil value
// removes the key.
type Patch struct {
	Set   map[string]any
	Extra map[string]any
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Set) == 0 && len(p.Extra) == 0
}

// Columns returns the DB columns and extra keys touched by the patch, sorted.
func (p Patch) Columns() []string {
	out := make([]string, 0, len(p.Set)+len(p.Extra))
	for k := range p.Set {
		out = append(out, k)
	}
	for k := range p.Extra {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildPatch translates UI column ids into DB columns and coerces each value
// to its field kind. Keys that map to no field are kept as extra data.
func BuildPatch(raw map[string]any) (Patch, error) {
	p := Patch{Set: map[string]any{}, Extra: map[string]any{}}
	for key, value := range raw {
		field, ok := ResolveField(key)
		if !ok {
			if key == "" {
				return Patch{}, fmt.Errorf("empty field key: %w", vcerrors.ErrValidation)
			}
			p.Extra[key] = value
			continue
		}
		v, err := CoerceValue(field.Kind, value)
		if err != nil {
			return Patch{}, fmt.Errorf("field %s: %w", field.Key, err)
		}
		if field.Column == "name" && v == nil {
			return Patch{}, fmt.Errorf("company name cannot be cleared: %w", vcerrors.ErrValidation)
		}
		p.Set[field.Column] = v
	}
	return p, nil
}

// Apply returns a copy of c with the patch applied, normalised and validated.
func (p Patch) Apply(c *Company) (*Company, error) {
	next := c.Clone()
	for column, v := range p.Set {
		if err := next.setField(column, v); err != nil {
			return nil, err
		}
	}
	for k, v := range p.Extra {
		if v == nil {
			delete(next.ExtraData, k)
			continue
		}
		next.ExtraData[k] = v
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// LockForUpdate loads a company row and locks it for the rest of the transaction.
func LockForUpdate(ctx context.Context, q db.DBTX, id string) (*Company, error) {
	uid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	c, err := scanCompany(q.QueryRow(ctx, selectCompanySQL+` WHERE id = $1 FOR UPDATE`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock company: %w", err)
	}
	return c, nil
}

// ApplyPatch applies patch to current and writes the result through q.
// Callers that need read-modify-write atomicity pass a transaction holding
// the row lock from LockForUpdate.
func ApplyPatch(ctx context.Context, q db.DBTX, current *Company, patch Patch) (*Company, error) {
	next, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}
	if err := saveCompany(ctx, q, next); err != nil {
		return nil, err
	}
	return next, nil
}
