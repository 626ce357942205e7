package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketrush/internal/store"
)

// Fallback is the report text used whenever generation fails or comes
// back empty. Completion must never block on the report service.
const Fallback = "Your trading run is complete. A detailed report could not be generated this time."

// Generator turns an ordered action log into report text.
type Generator interface {
	Generate(ctx context.Context, actions []store.GameAction) (string, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type generateRequest struct {
	Actions []actionPayload `json:"actions"`
}

type actionPayload struct {
	Level           int    `json:"level"`
	Stock           string `json:"stock"`
	Kind            string `json:"kind"`
	UnitPriceMicros int64  `json:"unit_price_micros"`
	Quantity        int64  `json:"quantity"`
	At              string `json:"at"`
}

type generateResponse struct {
	Report string `json:"report"`
}

func (c *Client) Generate(ctx context.Context, actions []store.GameAction) (string, error) {
	in := generateRequest{Actions: make([]actionPayload, 0, len(actions))}
	for _, a := range actions {
		in.Actions = append(in.Actions, actionPayload{
			Level:           a.Level,
			Stock:           a.Stock,
			Kind:            a.Kind,
			UnitPriceMicros: a.UnitPriceMicros,
			Quantity:        a.Quantity,
			At:              a.At.UTC().Format(time.RFC3339),
		})
	}
	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reports", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("report request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("report status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode report: %w", err)
	}
	if strings.TrimSpace(out.Report) == "" {
		return "", fmt.Errorf("empty report")
	}
	return out.Report, nil
}

// Render is the guarded entry point the saga uses: any failure or empty
// result falls back to the fixed text.
func Render(ctx context.Context, gen Generator, actions []store.GameAction) string {
	if gen == nil {
		return Fallback
	}
	text, err := gen.Generate(ctx, actions)
	if err != nil || strings.TrimSpace(text) == "" {
		return Fallback
	}
	return text
}
