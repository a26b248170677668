package entropy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const randomOrgURL = "https://api.random.org/json-rpc/4/invoke"

// Client is a Source drawing true randomness from random.org. Draws come
// from a local pool refilled in batches; on any API failure the pool stays
// empty and draws fall back to crypto/rand.
type Client struct {
	apiKey string
	http   *http.Client
	log    *slog.Logger

	mu   sync.Mutex
	pool []float64
}

// NewClient returns a random.org-backed source, or nil when no API key is
// configured. A nil *Client still satisfies Source via the fallback.
func NewClient(apiKey string, log *slog.Logger) *Client {
	if apiKey == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// Float returns a random float64 in [0, 1).
func (c *Client) Float() float64 {
	if c == nil {
		return Crypto{}.Float()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pool) < 10 {
		c.refill()
	}
	if len(c.pool) == 0 {
		return Crypto{}.Float()
	}

	val := c.pool[0]
	c.pool = c.pool[1:]
	return val
}

func (c *Client) refill() {
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "generateDecimalFractions",
		"params": map[string]any{
			"apiKey":        c.apiKey,
			"n":             100,
			"decimalPlaces": 6,
		},
		"id": 1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		c.log.Debug("random.org marshal failed", "error", err)
		return
	}

	resp, err := c.http.Post(randomOrgURL, "application/json", bytes.NewReader(body))
	if err != nil {
		c.log.Debug("random.org fetch failed", "error", err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Debug("random.org read failed", "error", err)
		return
	}

	var result struct {
		Result struct {
			Random struct {
				Data []float64 `json:"data"`
			} `json:"random"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		c.log.Debug("random.org parse failed", "error", err)
		return
	}
	if result.Error != nil {
		c.log.Debug("random.org API error", "error", result.Error.Message)
		return
	}

	c.pool = append(c.pool, result.Result.Random.Data...)
	c.log.Debug("random.org pool refilled", "count", len(result.Result.Random.Data))
}
