package obcatalogsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal observation catalog query API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Product represents the API data product model.
type Product struct {
	ID              string `json:"id"`
	Instrument      string `json:"instrument"`
	Datatype        string `json:"datatype"`
	TaskID          string `json:"task_id"`
	ResultID        string `json:"result_id"`
	UUID            string `json:"uuid"`
	ObservationDate string `json:"observation_date"`
	QC              string `json:"qc"`
	Priority        int    `json:"priority"`
	Path            string `json:"path"`
	CreatedAt       string `json:"created_at"`
}

// Fact is a typed tag value.
type Fact struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type ProductWithFacts struct {
	Product Product         `json:"product"`
	Facts   map[string]Fact `json:"facts"`
}

type ObservingBlock struct {
	ID             string `json:"id"`
	Instrument     string `json:"instrument"`
	Mode           string `json:"mode"`
	Object         string `json:"object"`
	ParentID       string `json:"parent_id"`
	StartTime      string `json:"start_time"`
	CompletionTime string `json:"completion_time"`
}

type Frame struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	OBID         string  `json:"ob_id"`
	ExposureTime float64 `json:"exposure_time"`
	UUID         string  `json:"uuid"`
}

type ObservingBlockDetail struct {
	Block    ObservingBlock  `json:"block"`
	Frames   []Frame         `json:"frames"`
	Facts    map[string]Fact `json:"facts"`
	Children []string        `json:"children"`
}

type ResultValue struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	Path     string `json:"path"`
}

type Result struct {
	ID         string        `json:"id"`
	Instrument string        `json:"instrument"`
	Pipeline   string        `json:"pipeline"`
	Mode       string        `json:"mode"`
	Recipe     string        `json:"recipe"`
	TaskID     string        `json:"task_id"`
	OBID       string        `json:"ob_id"`
	QC         string        `json:"qc"`
	Values     []ResultValue `json:"values"`
}

type TaskResult struct {
	Result   Result    `json:"result"`
	Products []Product `json:"products"`
}

// Event represents a catalog event log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FindProducts returns the products carrying fact key with value. factType is
// one of int, float, bool, string or unicode; empty means string.
func (c *Client) FindProducts(ctx context.Context, key, value, factType string) ([]Product, error) {
	q := url.Values{"key": {key}, "value": {value}}
	if factType != "" {
		q.Set("type", factType)
	}
	var resp []Product
	err := c.get(ctx, "products/search", q, &resp)
	return resp, err
}

// Product returns a product and its facts by provenance UUID.
func (c *Client) Product(ctx context.Context, uuid string) (ProductWithFacts, error) {
	var resp ProductWithFacts
	err := c.get(ctx, "products/"+url.PathEscape(uuid), nil, &resp)
	return resp, err
}

// ListProducts lists products filtered by instrument and datatype.
func (c *Client) ListProducts(ctx context.Context, instrument, datatype string, limit int) ([]Product, error) {
	q := url.Values{}
	if instrument != "" {
		q.Set("instrument", instrument)
	}
	if datatype != "" {
		q.Set("datatype", datatype)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Product
	err := c.get(ctx, "products", q, &resp)
	return resp, err
}

func (c *Client) ObservingBlock(ctx context.Context, id string) (ObservingBlockDetail, error) {
	var resp ObservingBlockDetail
	err := c.get(ctx, "obs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TaskResult returns the reduction result recorded for a task and its products.
func (c *Client) TaskResult(ctx context.Context, taskID string) (TaskResult, error) {
	var resp TaskResult
	err := c.get(ctx, fmt.Sprintf("tasks/%s/result", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// EventsPage returns events after cursor, oldest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.get(ctx, "events", q, &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
