package offcache

import (
	"context"
	"net/http"
)

// Fetcher is the network. Only an error counts as a network failure:
// a 404 or 500 response is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher sends requests through an *http.Client (http.DefaultClient if nil).
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := f.Client
	if c == nil {
		c = http.DefaultClient
	}
	out := req.Clone(ctx)
	out.RequestURI = "" // server-side requests cannot be sent as is
	return c.Do(out)
}
