package apiclient

import (
	"context"
	"net/http"
)

// Komodo is a client for the Komodo core API. Reads go through POST /read
// with a {"type", "params"} envelope.
type Komodo struct {
	*Client
}

// KomodoServer is one server registered with Komodo.
type KomodoServer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Info struct {
		State   string `json:"state"`
		Address string `json:"address"`
	} `json:"info"`
}

type komodoRequest struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

func NewKomodo(baseURL, apiKey, apiSecret string, verifySSL bool) *Komodo {
	h := http.Header{}
	h.Set("X-Api-Key", apiKey)
	h.Set("X-Api-Secret", apiSecret)
	return &Komodo{Client: newClient(baseURL, verifySSL, h)}
}

// Read runs a read request of the given type and decodes the reply into out.
func (k *Komodo) Read(ctx context.Context, typ string, params map[string]any, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	return k.do(ctx, http.MethodPost, "/read", komodoRequest{Type: typ, Params: params}, out)
}

// ListServers returns the servers known to Komodo.
func (k *Komodo) ListServers(ctx context.Context) ([]KomodoServer, error) {
	var out []KomodoServer
	if err := k.Read(ctx, "ListServers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks reachability and credentials by listing servers.
func (k *Komodo) Ping(ctx context.Context) error {
	_, err := k.ListServers(ctx)
	return err
}

func (k *Komodo) Close() error {
	k.httpClient.CloseIdleConnections()
	return nil
}
