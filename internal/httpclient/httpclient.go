// Package httpclient builds the HTTP client used to deliver results.
package httpclient

import (
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gustycube/avasite/internal/circuitbreaker"
)

func Default(tlsConfig *tls.Config) *http.Client {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   20 * time.Second,
	}
}

// ResilientClient wraps http.Client with one circuit breaker per host.
type ResilientClient struct {
	client   *http.Client
	breakers *circuitbreaker.Group
}

func NewResilientClient(client *http.Client, cfg circuitbreaker.Config) *ResilientClient {
	if client == nil {
		client = Default(nil)
	}
	return &ResilientClient{
		client:   client,
		breakers: circuitbreaker.NewGroup(cfg),
	}
}

// Do executes req unless the host's breaker is open. Transport errors and 5xx
// responses count as failures; a 5xx response is returned together with an
// *HTTPError and its body already closed.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.breakers.Execute(req.URL.Host, func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil
	})
	return resp, err
}

func (c *ResilientClient) State(host string) circuitbreaker.State {
	return c.breakers.State(host)
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return e.Status
}

// StatusCode returns the status carried by an *HTTPError in err's chain, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
