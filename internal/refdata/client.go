package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Client is an HTTP Service backed by the reference-data upstream. Lookups
// run through a circuit breaker: reference data is a soft dependency, and a
// flapping upstream must not stall every agent on every cycle.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[Material]
}

// NewClient creates a reference-data client for the given base URL.
func NewClient(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:    "refdata",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Unknown keys are expected; only transport-level failures trip.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[Material](settings),
	}
}

// Lookup fetches one material entry. A 404 maps to ErrNotFound and does not
// count against the breaker.
func (c *Client) Lookup(ctx context.Context, key string) (Material, error) {
	return c.breaker.Execute(func() (Material, error) {
		u := fmt.Sprintf("%s/materials/%s", c.baseURL, url.PathEscape(key))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return Material{}, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return Material{}, fmt.Errorf("refdata fetch: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return Material{}, ErrNotFound
		default:
			return Material{}, fmt.Errorf("refdata fetch: unexpected status %d", resp.StatusCode)
		}

		var mat Material
		if err := json.NewDecoder(resp.Body).Decode(&mat); err != nil {
			return Material{}, fmt.Errorf("refdata decode: %w", err)
		}
		return mat, nil
	})
}
