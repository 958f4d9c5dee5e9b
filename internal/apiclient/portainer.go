package apiclient

import (
	"context"
	"net/http"
)

// Portainer is a client for the Portainer HTTP API, authenticated with an
// access token sent as X-API-Key.
type Portainer struct {
	*Client
}

// PortainerEndpoint is one environment managed by Portainer.
type PortainerEndpoint struct {
	ID     int    `json:"Id"`
	Name   string `json:"Name"`
	Type   int    `json:"Type"`
	URL    string `json:"URL"`
	Status int    `json:"Status"` // 1 up, 2 down
}

func NewPortainer(baseURL, apiKey string, verifySSL bool) *Portainer {
	h := http.Header{}
	h.Set("X-API-Key", apiKey)
	return &Portainer{Client: newClient(baseURL, verifySSL, h)}
}

// Endpoints lists the environments visible to the token.
func (p *Portainer) Endpoints(ctx context.Context) ([]PortainerEndpoint, error) {
	var out []PortainerEndpoint
	if err := p.do(ctx, http.MethodGet, "/api/endpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks reachability and the token by listing endpoints.
func (p *Portainer) Ping(ctx context.Context) error {
	_, err := p.Endpoints(ctx)
	return err
}

func (p *Portainer) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
