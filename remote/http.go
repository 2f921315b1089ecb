package remote

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
)

// HTTP talks to a document/blob REST gateway:
//
//	PATCH /documents/{path}  merge fields (JSON object)
//	GET   /documents/{path}
//	PUT   /blobs/{path}      raw body, responds {"ref": "..."}
type HTTP struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type errorBody struct {
	Error string `json:"error"`
}

func NewHTTP(httpClient *http.Client, baseURL, token string) *HTTP {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTP{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
	}
}

func (c *HTTP) PutDocument(ctx context.Context, path string, fields map[string]any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return c.do(ctx, http.MethodPatch, "/documents/"+escapePath(path), "application/json", bytes.NewReader(b), nil)
}

func (c *HTTP) GetDocument(ctx context.Context, path string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/documents/"+escapePath(path), "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) UploadBlob(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(ctx, http.MethodPut, "/blobs/"+escapePath(path), contentType, r, &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		return c.baseURL + "/blobs/" + escapePath(path), nil
	}
	return out.Ref, nil
}

func (c *HTTP) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(eb.Error))
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("remote %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("remote status %d", resp.StatusCode)
	}
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
