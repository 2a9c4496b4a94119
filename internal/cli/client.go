package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatterhq/chatter/internal/api"
	"github.com/chatterhq/chatter/internal/domain"
)

const requestTimeout = 10 * time.Second

// APIClient calls the relay's REST endpoints.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient creates a client for the relay at server. ws(s) addresses are
// mapped back to http(s).
func NewAPIClient(server string) *APIClient {
	base := strings.TrimRight(strings.TrimSpace(server), "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://"):
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/ws")
	return &APIClient{base: base, http: &http.Client{Timeout: requestTimeout}}
}

// Login asks the relay for a token bound to id.
func (c *APIClient) Login(ctx context.Context, id, name string) (*api.LoginResponse, error) {
	body, err := json.Marshal(api.LoginRequest{ID: id, Name: name})
	if err != nil {
		return nil, fmt.Errorf("encode login: %w", err)
	}
	var out api.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/login", "", bytes.NewReader(body), &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &out, nil
}

// Me returns the identity bound to token.
func (c *APIClient) Me(ctx context.Context, token string) (domain.Identity, error) {
	var out domain.Identity
	if err := c.do(ctx, http.MethodGet, "/api/me", token, nil, &out); err != nil {
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return out, nil
}

// History fetches one page of the conversation with peer.
func (c *APIClient) History(ctx context.Context, token, peer string, before int64, limit int) (*api.MessagePage, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/conversations/" + url.PathEscape(peer) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out api.MessagePage
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return &out, nil
}

func (c *APIClient) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
