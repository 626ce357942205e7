package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketrush/internal/auth"
	"marketrush/internal/feed"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) ListRooms(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/rooms", accessToken, nil, &out)
	return out, err
}

func (c *Client) CreateRoom(ctx context.Context, accessToken string, minPlayers, maxPlayers int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rooms", accessToken, map[string]any{
		"min_players": minPlayers,
		"max_players": maxPlayers,
	}, &out)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, accessToken, roomID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(roomID)+"/join", accessToken, nil, &out)
	return out, err
}

func (c *Client) LeaveRoom(ctx context.Context, accessToken, roomID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(roomID)+"/leave", accessToken, nil, &out)
	return out, err
}

func (c *Client) StartRoom(ctx context.Context, accessToken, roomID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(roomID)+"/start", accessToken, nil, &out)
	return out, err
}

func (c *Client) RoomPlayers(ctx context.Context, accessToken, roomID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID)+"/players", accessToken, nil, &out)
	return out, err
}

func (c *Client) RoomResults(ctx context.Context, accessToken, roomID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID)+"/results", accessToken, nil, &out)
	return out, err
}

func (c *Client) CreateSession(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sessions", accessToken, map[string]any{}, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, accessToken, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), accessToken, nil, &out)
	return out, err
}

func (c *Client) SaveAction(ctx context.Context, accessToken, sessionID string, action map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/actions", accessToken, action, &out)
	return out, err
}

func (c *Client) ListActions(ctx context.Context, accessToken, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/actions", accessToken, nil, &out)
	return out, err
}

func (c *Client) SaveBalance(ctx context.Context, accessToken, sessionID string, balanceMicros int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPut, "/v1/sessions/"+url.PathEscape(sessionID)+"/balance", accessToken, map[string]any{
		"balance_micros": balanceMicros,
	}, &out)
	return out, err
}

func (c *Client) CompleteSession(ctx context.Context, accessToken, sessionID string, finalBalanceMicros int64, force bool) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/complete", accessToken, map[string]any{
		"final_balance_micros": finalBalanceMicros,
		"force":                force,
	}, &out)
	return out, err
}

// Do replays an arbitrary journaled request.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, accessToken, in, &out)
	return out, err
}

// DialFeed opens the change-feed websocket. The token travels as a
// query parameter because websocket dials cannot always set headers.
func (c *Client) DialFeed(ctx context.Context, accessToken string, tables []string) (*FeedConn, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/feed"
	q := u.Query()
	q.Set("token", accessToken)
	if len(tables) > 0 {
		q.Set("tables", strings.Join(tables, ","))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return &FeedConn{conn: conn}, nil
}

// FeedConn wraps a live feed subscription.
type FeedConn struct {
	conn *websocket.Conn
}

// Next blocks for the next event. A read error means the connection is
// gone and the caller should resync and redial.
func (f *FeedConn) Next() (feed.Event, error) {
	_, payload, err := f.conn.ReadMessage()
	if err != nil {
		return feed.Event{}, err
	}
	var ev feed.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return feed.Event{}, fmt.Errorf("decode feed event: %w", err)
	}
	return ev, nil
}

func (f *FeedConn) Close() error {
	return f.conn.Close()
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// IsAPIError reports whether the server answered with a structured
// rejection, as opposed to the request never arriving.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
