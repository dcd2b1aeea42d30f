// ABOUTME: REST client for the Qdrant vector store backing the L2 prompt cache.
// ABOUTME: Manages one cosine-distance collection; search, upsert, count, and recreate.

package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultCollection is the collection backing the prompt cache.
const DefaultCollection = "prompt_cache"

// DefaultVectorSize matches the nomic-embed-text embedding dimension.
const DefaultVectorSize = 768

// ErrUnavailable indicates the vector store could not be reached.
var ErrUnavailable = errors.New("vector store unavailable")

// Point is a search result: the stored payload plus its similarity score.
type Point struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload"`
}

// Client talks to a Qdrant instance over its REST API. Safe for concurrent use.
type Client struct {
	baseURL    string
	collection string
	vectorSize int
	client     *http.Client
}

// New constructs a client for one collection. Zero values select the defaults.
func New(baseURL, collection string, vectorSize int, timeout time.Duration) *Client {
	if collection == "" {
		collection = DefaultCollection
	}
	if vectorSize <= 0 {
		vectorSize = DefaultVectorSize
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		vectorSize: vectorSize,
		client:     &http.Client{Timeout: timeout},
	}
}

// Collection returns the collection name, for logging.
func (c *Client) Collection() string {
	return c.collection
}

// EnsureCollection creates the collection if it does not exist.
// The vector size and distance are fixed at creation time.
func (c *Client) EnsureCollection(ctx context.Context) error {
	var listing struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &listing); err != nil {
		return err
	}
	for _, col := range listing.Result.Collections {
		if col.Name == c.collection {
			return nil
		}
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     c.vectorSize,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+c.collection, body, nil)
}

// Search returns at most limit points whose cosine score meets scoreThreshold.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32) ([]Point, error) {
	body := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": scoreThreshold,
		"with_payload":    true,
	}

	var out struct {
		Result []struct {
			ID      any               `json:"id"`
			Score   float32           `json:"score"`
			Payload map[string]string `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points/search", body, &out); err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(out.Result))
	for _, r := range out.Result {
		points = append(points, Point{
			ID:      fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return points, nil
}

// Upsert stores one point under the given id with its payload.
func (c *Client) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	body := map[string]any{
		"points": []map[string]any{{
			"id":      id,
			"vector":  vector,
			"payload": payload,
		}},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+c.collection+"/points?wait=true", body, nil)
}

// Count returns the number of points in the collection.
func (c *Client) Count(ctx context.Context) (int, error) {
	var out struct {
		Result struct {
			PointsCount int `json:"points_count"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil, &out); err != nil {
		return 0, err
	}
	return out.Result.PointsCount, nil
}

// DeleteCollection drops the collection. Missing collections are not an error.
func (c *Client) DeleteCollection(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+c.collection, nil, nil)
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
		return nil
	}
	return err
}

// Recreate drops and recreates the collection, emptying the L2 tier.
func (c *Client) Recreate(ctx context.Context) error {
	if err := c.DeleteCollection(ctx); err != nil {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     c.vectorSize,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+c.collection, body, nil)
}

// statusError carries a non-2xx answer from the store.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vector store: status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(b))}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
