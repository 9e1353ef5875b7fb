// Package layoutsource implements slottrace.LayoutSource over a
// block-explorer-shaped HTTP API: it fetches a contract's ABI and
// compiler-emitted storage layout and parses the latter with
// layout.ParseSolcJSON. An in-memory LRU of raw response bytes avoids
// refetching the same address repeatedly within a process — distinct from
// cache.LayoutCache, which memoizes the parsed *layout.Index keyed by
// codeHash; this cache sits one layer below that, keyed by address alone,
// since a given address's explorer response rarely changes within a
// session even across redeploys the codeHash-keyed cache would treat as
// distinct.
package layoutsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace"
	"github.com/ethstorage/slottrace/layout"
	lru "github.com/hashicorp/golang-lru/v2"
)

// envelope is the wire shape this adapter expects from its explorer
// endpoint: a storageLayout document (solc's native "storage"/"types"
// shape, parsed by layout.ParseSolcJSON) alongside the contract's ABI.
// This is the adapter's own wire contract for whatever explorer endpoint
// is configured to answer it; no public explorer speaks it natively.
type envelope struct {
	ABI           json.RawMessage `json:"abi"`
	StorageLayout json.RawMessage `json:"storageLayout"`
	Found         bool            `json:"found"`
}

// Client implements slottrace.LayoutSource against an HTTP endpoint of the
// form baseURL + "/address/{address}" (a thin convention; any explorer
// reachable behind that path shape, or a local reverse proxy adapting a
// real explorer's native API to it, works).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	cache *lru.Cache[common.Address, envelope]
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (timeouts, transport,
// proxying).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets the explorer API key forwarded as a query parameter.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New builds a Client fetching from baseURL, caching up to cacheSize raw
// responses. cacheSize <= 0 disables the response cache. A Client with an
// empty baseURL makes no requests and reports every address as
// unavailable.
func New(baseURL string, cacheSize int, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if cacheSize > 0 {
		lc, err := lru.New[common.Address, envelope](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("layoutsource: construct response cache: %w", err)
		}
		c.cache = lc
	}
	return c, nil
}

// LayoutFor fetches and parses address's layout document. A 404 or
// Found:false response yields *slottrace.LayoutUnavailableError, the
// non-fatal "no layout published" case; any other transport or parse
// failure is returned as-is.
func (c *Client) LayoutFor(ctx context.Context, address common.Address) (layout.Document, error) {
	env, err := c.fetch(ctx, address)
	if err != nil {
		return layout.Document{}, err
	}
	if !env.Found || len(env.StorageLayout) == 0 {
		return layout.Document{}, &slottrace.LayoutUnavailableError{Address: address}
	}

	doc, err := layout.ParseSolcJSON(env.StorageLayout)
	if err != nil {
		return layout.Document{}, err
	}
	doc.ABI = env.ABI
	return doc, nil
}

func (c *Client) fetch(ctx context.Context, address common.Address) (envelope, error) {
	if c.baseURL == "" {
		return envelope{Found: false}, nil
	}
	if c.cache != nil {
		if env, ok := c.cache.Get(address); ok {
			return env, nil
		}
	}

	reqURL, err := url.Parse(c.baseURL)
	if err != nil {
		return envelope{}, fmt.Errorf("layoutsource: invalid base URL: %w", err)
	}
	reqURL.Path = joinPath(reqURL.Path, "address", address.Hex())
	if c.apiKey != "" {
		q := reqURL.Query()
		q.Set("apikey", c.apiKey)
		reqURL.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return envelope{}, fmt.Errorf("layoutsource: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return envelope{Found: false}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("layoutsource: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, fmt.Errorf("layoutsource: explorer returned %s: %s", resp.Status, truncate(body, 256))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("layoutsource: decode response: %w", err)
	}
	env.Found = true

	if c.cache != nil {
		c.cache.Add(address, env)
	}
	return env, nil
}

func joinPath(segments ...string) string {
	out := ""
	for _, s := range segments {
		if s == "" {
			continue
		}
		if out != "" && out[len(out)-1] != '/' {
			out += "/"
		}
		out += trimSlash(s)
	}
	return out
}

func trimSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
