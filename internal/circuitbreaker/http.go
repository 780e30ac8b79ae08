package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer is satisfied by *http.Client and by HTTPClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient sends requests through a breaker. 5xx responses count as
// failures for the breaker but are still handed back to the caller.
type HTTPClient struct {
	client  HTTPDoer
	breaker *Breaker
}

// NewHTTPClient wraps client (nil means a 30s-timeout default client).
func NewHTTPClient(client HTTPDoer, name, dep string, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		client:  client,
		breaker: New(name, dep, SettingsFor(dep), logger),
	}
}

// Breaker exposes the underlying breaker.
func (c *HTTPClient) Breaker() *Breaker { return c.breaker }

func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Do(req.Context(), func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
