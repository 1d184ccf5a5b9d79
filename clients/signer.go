package clients

import (
	"context"
	"net/http"
	"net/url"

	"competition-coordinator/services"
)

// Signer is the signing service's REST API. Sessions and signing rounds are
// addressed by the ids the coordinator chooses, so retried begins are safe.
type Signer struct {
	rest *restClient
}

func NewSigner(baseURL, token string, client *http.Client) *Signer {
	rest := newRESTClient("signer", baseURL, client)
	if token != "" {
		rest.header.Set("Authorization", "Bearer "+token)
	}
	return &Signer{rest: rest}
}

func (s *Signer) BeginKeyGeneration(ctx context.Context, req services.KeyGenRequest) (*services.SessionHandle, error) {
	var out services.SessionHandle
	if err := s.rest.do(ctx, "begin keygen", http.MethodPost, "/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Signer) PollKeyGeneration(ctx context.Context, sessionID string) (*services.KeyGenResult, error) {
	var out services.KeyGenResult
	if err := s.rest.do(ctx, "poll keygen", http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Signer) BeginSigning(ctx context.Context, req services.SigningRequest) (*services.SigningHandle, error) {
	var out services.SigningHandle
	path := "/sessions/" + url.PathEscape(req.SessionID) + "/signings"
	if err := s.rest.do(ctx, "begin signing", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Signer) PollSigning(ctx context.Context, sessionID, signingID string) (*services.SigningResult, error) {
	var out services.SigningResult
	path := "/sessions/" + url.PathEscape(sessionID) + "/signings/" + url.PathEscape(signingID)
	if err := s.rest.do(ctx, "poll signing", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
