package toolexecutor

import (
	"net/http"
)

// APIKeyHeader is the header the search endpoint reads its key from.
const APIKeyHeader = "ApiKey"

// Endpoint describes a remote tool server.
type Endpoint struct {
	Name    string
	URL     string
	Headers map[string]string
}

// BuildEndpoint returns the descriptor for a remote tool server. Headers is
// empty when apiKey is empty, otherwise it holds exactly the ApiKey header.
func BuildEndpoint(name, url, apiKey string) Endpoint {
	headers := map[string]string{}
	if apiKey != "" {
		headers[APIKeyHeader] = apiKey
	}
	return Endpoint{Name: name, URL: url, Headers: headers}
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	// Assigned directly so the header name keeps its configured casing.
	for k, v := range t.headers {
		clone.Header[k] = []string{v}
	}
	return t.base.RoundTrip(clone)
}

// HTTPClient returns a client that sends the endpoint headers on every request.
// The client has no overall timeout since the SSE stream stays open.
func (e Endpoint) HTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client := *base
	client.Transport = &headerTransport{headers: e.Headers, base: rt}
	return &client
}
