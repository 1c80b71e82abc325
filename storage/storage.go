// Package storage defines the named cache stores an offcache.Manager
// precaches into and falls back to.
//
// A Storage holds any number of Stores, each addressed by a generation name.
// A Store maps request keys (see RequestKey) to stored responses.
// Implementations must be safe for concurrent use.
package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Storage is the set of named stores shared by every manager of an origin.
type Storage interface {
	// Open returns the store named name, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)

	// Has reports whether a store named name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the store and all of its entries.
	// Deleting a missing store returns (false, nil).
	Delete(ctx context.Context, name string) (bool, error)

	// Keys lists store names in creation order.
	Keys(ctx context.Context) ([]string, error)
}

// Store is one generation's request -> response mapping.
type Store interface {
	Name() string

	// Match returns (entry, true, nil) on hit and (nil, false, nil) on miss.
	Match(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores e under key, replacing any previous entry.
	Put(ctx context.Context, key string, e *Entry) error

	// Keys lists the request keys held by the store.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a stored response.
type Entry struct {
	Method   string      `json:"method" msgpack:"method"`
	URL      string      `json:"url" msgpack:"url"`
	Status   int         `json:"status" msgpack:"status"`
	Header   http.Header `json:"header,omitempty" msgpack:"header,omitempty"`
	Body     []byte      `json:"body,omitempty" msgpack:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at" msgpack:"stored_at"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return &out
}

// Response builds an *http.Response that replays e as the answer to req.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
