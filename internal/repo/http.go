package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// httpJSON performs a JSON request against a backend API and decodes a 2xx response into out.
type httpJSON struct {
	name       string
	baseURL    string
	httpClient *http.Client
	decorate   func(*http.Request)
}

func (c *httpJSON) resolve(p string, query url.Values) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("%s base URL not configured", c.name)
	}
	u, err := url.Parse(strings.TrimRight(c.baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("%s base URL: %w", c.name, err)
	}
	u.Path = path.Join(u.Path, "/"+strings.TrimLeft(p, "/"))
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func (c *httpJSON) getJSON(ctx context.Context, p string, query url.Values, out any) error {
	endpoint, err := c.resolve(p, query)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *httpJSON) postJSON(ctx context.Context, p string, payload any, out any) error {
	endpoint, err := c.resolve(p, nil)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *httpJSON) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.decorate != nil {
		c.decorate(req)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", c.name, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.name, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
