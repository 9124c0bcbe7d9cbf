// Package client is the HTTP client of the market gateway, used by the
// solver agent and the trader.
package client

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

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/clustermesh/capmarket/pkg/models"
)

// Options configure the client. Zero values get sane defaults.
type Options struct {
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryMin       time.Duration
	RetryMax       time.Duration
	PageLimit      int
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryMin <= 0 {
		o.RetryMin = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2 * time.Second
	}
	if o.PageLimit <= 0 {
		o.PageLimit = models.DefaultPageLimit
	}
	return o
}

// Client talks to one market gateway.
type Client struct {
	base    string
	session *http.Client
	opts    Options
}

// New creates a client for the gateway at base, e.g. "http://market:8080".
func New(base string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		base:    strings.TrimRight(base, "/"),
		session: &http.Client{Timeout: opts.RequestTimeout},
		opts:    opts,
	}
}

// envelope mirrors the gateway's result wrapper with the payload undecoded.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// GetProduct loads one product. Missing is (nil, nil).
func (c *Client) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product *models.Product
	err := c.execute(ctx, http.MethodGet, "/prod/"+id.String(), nil, nil, &product)
	return product, err
}

// InsertProduct finds or creates the product for a problem and returns its id.
func (c *Client) InsertProduct(ctx context.Context, problem json.RawMessage) (uuid.UUID, error) {
	var id uuid.UUID
	payload := map[string]json.RawMessage{"problem": problem}
	err := c.execute(ctx, http.MethodPost, "/prod", nil, payload, &id)
	return id, err
}

// RemoveProduct deletes a product and its outstanding intents.
func (c *Client) RemoveProduct(ctx context.Context, id uuid.UUID) error {
	return c.execute(ctx, http.MethodDelete, "/prod/"+id.String(), nil, nil, nil)
}

// ListProductIDs drains the paginated product id stream.
func (c *Client) ListProductIDs(ctx context.Context) ([]uuid.UUID, error) {
	var all []uuid.UUID
	err := c.paginate(func(page models.Page) (int, uuid.UUID, error) {
		var ids []uuid.UUID
		if err := c.execute(ctx, http.MethodGet, "/prod", &page, nil, &ids); err != nil {
			return 0, uuid.Nil, err
		}
		all = append(all, ids...)
		if len(ids) == 0 {
			return 0, uuid.Nil, nil
		}
		return len(ids), ids[len(ids)-1], nil
	})
	return all, err
}

// ListPriceHistogram drains the paginated histogram of one product.
func (c *Client) ListPriceHistogram(ctx context.Context, productID uuid.UUID) (models.PriceHistogram, error) {
	var histogram models.PriceHistogram
	rel := "/prod/" + productID.String() + "/price"
	err := c.paginate(func(page models.Page) (int, uuid.UUID, error) {
		var items models.PriceHistogram
		if err := c.execute(ctx, http.MethodGet, rel, &page, nil, &items); err != nil {
			return 0, uuid.Nil, err
		}
		histogram = append(histogram, items...)
		if len(items) == 0 {
			return 0, uuid.Nil, nil
		}
		return len(items), items[len(items)-1].ID, nil
	})
	return histogram, err
}

// Trade submits a trade template for atomic commit and returns the
// transaction id. Not retried: commit is not idempotent.
func (c *Client) Trade(ctx context.Context, productID uuid.UUID, template models.TransactionTemplate) (uuid.UUID, error) {
	var spec models.TransactionSpec
	err := c.execute(ctx, http.MethodPost, "/prod/"+productID.String()+"/trade", nil, template, &spec)
	return spec.ID, err
}

// InsertPub registers a supply-side intent. Not retried: every call creates
// a new intent.
func (c *Client) InsertPub(ctx context.Context, productID uuid.UUID, spec models.PubSpec) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.execute(ctx, http.MethodPut, "/prod/"+productID.String()+"/pub", nil, spec, &id)
	return id, err
}

// InsertSub registers a demand-side intent. Not retried: every call creates
// a new intent.
func (c *Client) InsertSub(ctx context.Context, productID uuid.UUID, spec models.SubSpec) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.execute(ctx, http.MethodPut, "/prod/"+productID.String()+"/sub", nil, spec, &id)
	return id, err
}

// GetPub loads a supply-side intent. Missing is (nil, nil).
func (c *Client) GetPub(ctx context.Context, productID, pubID uuid.UUID) (*models.PubSpec, error) {
	var spec *models.PubSpec
	err := c.execute(ctx, http.MethodGet, "/prod/"+productID.String()+"/pub/"+pubID.String(), nil, nil, &spec)
	return spec, err
}

// GetSub loads a demand-side intent. Missing is (nil, nil).
func (c *Client) GetSub(ctx context.Context, productID, subID uuid.UUID) (*models.SubSpec, error) {
	var spec *models.SubSpec
	err := c.execute(ctx, http.MethodGet, "/prod/"+productID.String()+"/sub/"+subID.String(), nil, nil, &spec)
	return spec, err
}

// RemovePub withdraws a supply-side intent.
func (c *Client) RemovePub(ctx context.Context, productID, pubID uuid.UUID) error {
	return c.execute(ctx, http.MethodDelete, "/prod/"+productID.String()+"/pub/"+pubID.String(), nil, nil, nil)
}

// RemoveSub withdraws a demand-side intent.
func (c *Client) RemoveSub(ctx context.Context, productID, subID uuid.UUID) error {
	return c.execute(ctx, http.MethodDelete, "/prod/"+productID.String()+"/sub/"+subID.String(), nil, nil, nil)
}

// GetTransaction loads one committed transaction. Missing is (nil, nil).
func (c *Client) GetTransaction(ctx context.Context, id uuid.UUID) (*models.TransactionSpec, error) {
	var spec *models.TransactionSpec
	err := c.execute(ctx, http.MethodGet, "/transaction/"+id.String(), nil, nil, &spec)
	return spec, err
}

// paginate advances a keyset cursor until a short page signals the end.
// The fetch func returns the page length and the last id of the page.
func (c *Client) paginate(fetch func(models.Page) (int, uuid.UUID, error)) error {
	var start *uuid.UUID
	for {
		n, last, err := fetch(models.Page{Start: start, Limit: c.opts.PageLimit})
		if err != nil {
			return err
		}
		if n < c.opts.PageLimit {
			return nil
		}
		cursor := last
		start = &cursor
	}
}

// execute runs one request against the gateway, retrying transport failures
// of idempotent methods with exponential backoff, and decodes the result
// envelope into out (which may be nil).
func (c *Client) execute(ctx context.Context, method, rel string, page *models.Page, payload, out any) error {
	target := c.base + "/api/v1" + rel
	if page != nil {
		q := url.Values{}
		if page.Start != nil {
			q.Set("start", page.Start.String())
		}
		q.Set("limit", strconv.Itoa(page.Limit))
		target += "?" + q.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	retry := &backoff.Backoff{Min: c.opts.RetryMin, Max: c.opts.RetryMax, Jitter: true}
	// POST commits a trade and PUT registers a fresh intent per call;
	// neither is idempotent, so a lost response must not be replayed.
	attempts := c.opts.MaxAttempts
	if method == http.MethodPost || method == http.MethodPut {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.do(ctx, method, target, body, out)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(retry.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.session.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode gateway response (%s): %w", resp.Status, err)
	}
	if !env.OK {
		return fmt.Errorf("gateway rejected %s %s: %s", method, target, env.Error)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
