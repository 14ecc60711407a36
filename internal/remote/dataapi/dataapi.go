// Package dataapi talks to a document store exposed over an HTTP JSON API.
//
//	GET  /health
//	GET  /databases/{db}/collections                          {"collections": [...]}
//	GET  /databases/{db}/collections/{collection}/documents   {"documents": [...]}
//	POST /databases/{db}/collections/{collection}/documents:upsert
//	     body {"documents": [...]}, replaced or inserted by _id
//
// Every request carries the secret key as a bearer token.
package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rage-js/rage/internal/mirror"
	"github.com/rage-js/rage/internal/remote"
)

// Options configures a Client.
type Options struct {
	Endpoint  string
	SecretKey string
	// Timeout bounds a single HTTP request. Zero means 30s.
	Timeout time.Duration
	// Retries is the number of extra attempts on transport errors and 5xx responses.
	Retries int
	// RetryWait is the initial wait between attempts. Zero means 2s.
	RetryWait time.Duration
}

// Client implements remote.Client over HTTP.
type Client struct {
	remote.StateHolder
	http *resty.Client
}

var _ remote.Client = (*Client)(nil)

type collectionsResponse struct {
	Collections []string `json:"collections"`
}

type documentsResponse struct {
	Documents json.RawMessage `json:"documents"`
}

type upsertRequest struct {
	Documents []mirror.Document `json:"documents"`
}

// New returns a client for the API at opts.Endpoint. No request is made until Connect.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("data API endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 2 * time.Second
	}

	h := resty.New().
		SetBaseURL(strings.TrimRight(opts.Endpoint, "/")).
		SetAuthToken(opts.SecretKey).
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &Client{http: h}, nil
}

// Connect checks that the API is reachable and accepts the key.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		c.SetState(remote.Failed)
		return fmt.Errorf("data API unreachable: %w", err)
	}
	if resp.IsError() {
		c.SetState(remote.Failed)
		return fmt.Errorf("data API health check rejected: status %d", resp.StatusCode())
	}
	c.SetState(remote.Connected)
	return nil
}

// ListCollections implements remote.Client.
func (c *Client) ListCollections(ctx context.Context, db string) ([]string, error) {
	if c.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}

	var out collectionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("db", db).
		SetResult(&out).
		Get("/databases/{db}/collections")
	if err := checkResponse(resp, err, "list collections of "+db); err != nil {
		return nil, err
	}
	return out.Collections, nil
}

// Fetch implements remote.Client. Numbers are decoded as json.Number so that
// pulled documents hash the same as after a local round trip.
func (c *Client) Fetch(ctx context.Context, db, collection string) ([]mirror.Document, error) {
	if c.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"db": db, "collection": collection}).
		Get("/databases/{db}/collections/{collection}/documents")
	if err := checkResponse(resp, err, "fetch "+db+"/"+collection); err != nil {
		return nil, err
	}

	var body documentsResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("invalid response for %s/%s: %w", db, collection, err)
	}
	docs, err := mirror.DecodeDocuments(bytes.NewReader(body.Documents))
	if err != nil {
		return nil, fmt.Errorf("invalid documents for %s/%s: %w", db, collection, err)
	}
	return docs, nil
}

// Upsert implements remote.Client.
func (c *Client) Upsert(ctx context.Context, db, collection string, docs []mirror.Document) error {
	if c.State() != remote.Connected {
		return remote.ErrNotConnected
	}
	if len(docs) == 0 {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"db": db, "collection": collection}).
		SetBody(upsertRequest{Documents: docs}).
		Post("/databases/{db}/collections/{collection}/documents:upsert")
	return checkResponse(resp, err, "upsert into "+db+"/"+collection)
}

// Close implements remote.Client. HTTP connections are pooled, so only the state changes.
func (c *Client) Close(ctx context.Context) error {
	c.SetState(remote.Disconnected)
	return nil
}

func checkResponse(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to %s: status %d: %s", what, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
