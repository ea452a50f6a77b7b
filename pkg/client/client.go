package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Envelope is the versioned relation payload accepted by the dispatcher.
type Envelope struct {
	Version string            `json:"version"`
	Data    map[string]string `json:"data"`
}

// APIError is the error payload returned by the dispatcher.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type Client struct {
	base  string
	http  *http.Client
	token string
}

func New(base, token string) *Client {
	return &Client{base: trim(base), http: http.DefaultClient, token: token}
}

func trim(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

func (c *Client) req(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var br *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		br = bytes.NewReader(b)
	} else {
		br = bytes.NewReader(nil)
	}
	u, err := url.Parse(c.base + path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), br)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.req(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = string(raw)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func relationPath(relation, app string) string {
	p := "/api/v1/relations/" + url.PathEscape(relation)
	if app != "" {
		p += "/apps/" + url.PathEscape(app)
	}
	return p
}

// PutRelation provides app's data on relation.
func (c *Client) PutRelation(ctx context.Context, relation, app string, data map[string]string) error {
	return c.do(ctx, http.MethodPut, relationPath(relation, app), Envelope{Version: "v1", Data: data}, nil)
}

// PutManifests provides a manifest list on one of the manifest relations,
// keyed by the relation name.
func (c *Client) PutManifests(ctx context.Context, relation, app string, manifests []map[string]any) error {
	if manifests == nil {
		manifests = []map[string]any{}
	}
	raw, err := json.Marshal(manifests)
	if err != nil {
		return err
	}
	return c.PutRelation(ctx, relation, app, map[string]string{relation: string(raw)})
}

// DeleteRelation breaks app's side of relation, or the whole relation when
// app is empty.
func (c *Client) DeleteRelation(ctx context.Context, relation, app string) error {
	return c.do(ctx, http.MethodDelete, relationPath(relation, app), nil, nil)
}

func (c *Client) Relations(ctx context.Context) ([]types.RelationSummary, error) {
	var v []types.RelationSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/relations", nil, &v)
	return v, err
}

func (c *Client) Status(ctx context.Context) (types.StatusReport, error) {
	var v types.StatusReport
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &v)
	return v, err
}

// MeshIdentity returns what the dispatcher publishes on provide-cmr-mesh.
func (c *Client) MeshIdentity(ctx context.Context) (Envelope, error) {
	var v Envelope
	err := c.do(ctx, http.MethodGet, relationPath("provide-cmr-mesh", ""), nil, &v)
	return v, err
}
