package clients

import (
	"context"
	"net/http"
	"net/url"

	"competition-coordinator/services"
)

// Oracle is the attestation service's REST API.
type Oracle struct {
	rest *restClient
}

func NewOracle(baseURL, token string, client *http.Client) *Oracle {
	rest := newRESTClient("oracle", baseURL, client)
	if token != "" {
		rest.header.Set("Authorization", "Bearer "+token)
	}
	return &Oracle{rest: rest}
}

func (o *Oracle) RegisterEvent(ctx context.Context, cfg services.EventConfig) (*services.Event, error) {
	var ev services.Event
	if err := o.rest.do(ctx, "register event", http.MethodPost, "/events", cfg, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (o *Oracle) GetEvent(ctx context.Context, id string) (*services.Event, error) {
	var ev services.Event
	err := o.rest.do(ctx, "get event", http.MethodGet, "/events/"+url.PathEscape(id), nil, &ev)
	if statusCode(err) == http.StatusNotFound {
		return nil, services.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (o *Oracle) SubmitEntries(ctx context.Context, eventID string, entries []services.OracleEntry) error {
	body := struct {
		Entries []services.OracleEntry `json:"entries"`
	}{entries}
	return o.rest.do(ctx, "submit entries", http.MethodPost, "/events/"+url.PathEscape(eventID)+"/entries", body, nil)
}

func (o *Oracle) PublicKey(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := o.rest.do(ctx, "oracle pubkey", http.MethodGet, "/pubkey", nil, &out); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}
