package cellactions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

const remoteService = "cell_actions_backend"

// Remote runs actions on an external backend:
//
//	GET  {base}/cell-actions        -> [{id,name,category,description,inputs,output}]
//	POST {base}/cell-actions/{id}   {action_id, company, params} -> Output
type Remote struct {
	http *integrations.HTTPClient
}

// NewRemote creates a backend client for baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{http: integrations.NewHTTPClient(remoteService, baseURL)}
}

// HTTP exposes the underlying client.
func (r *Remote) HTTP() *integrations.HTTPClient { return r.http }

type remoteRequest struct {
	ActionID string             `json:"action_id"`
	Company  *companies.Company `json:"company"`
	Params   map[string]any     `json:"params,omitempty"`
}

// Run executes action id on the backend.
func (r *Remote) Run(ctx context.Context, id string, in Input) (*Output, error) {
	var out Output
	err := r.http.Do(ctx, integrations.Request{
		Method: http.MethodPost,
		Path:   "/cell-actions/" + url.PathEscape(id),
		Body:   remoteRequest{ActionID: id, Company: in.Company, Params: in.Params},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("remote action %s: %w", id, err)
	}
	return &out, nil
}

// Discover lists the backend's actions, marked remote.
func (r *Remote) Discover(ctx context.Context) ([]*Action, error) {
	var defs []*Action
	if err := r.http.Do(ctx, integrations.Request{Path: "/cell-actions"}, &defs); err != nil {
		return nil, fmt.Errorf("listing remote actions: %w", err)
	}
	for _, a := range defs {
		a.Remote = true
		a.Run = nil
	}
	return defs, nil
}

// RegisterRemote discovers the backend's actions and registers those whose
// ids are not taken by local actions. It returns how many were added.
func RegisterRemote(ctx context.Context, reg *Registry, remote *Remote, logger logging.Logger) (int, error) {
	defs, err := remote.Discover(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, a := range defs {
		err := reg.Register(a)
		switch {
		case err == nil:
			added++
		case errors.Is(err, vcerrors.ErrAlreadyExists):
			logger.Debug("Remote action shadowed by local action", logging.F("action_id", a.ID))
		default:
			logger.Warn("Skipping invalid remote action", logging.F("action_id", a.ID), logging.Err(err))
		}
	}
	return added, nil
}
