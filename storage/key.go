package storage

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey returns the identity used to store and match req.
// The fragment is dropped; the query string is kept.
func RequestKey(req *http.Request) string {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key(method, req.URL)
}

// Key builds a request key from a method and an absolute URL.
func Key(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return strings.ToUpper(method) + " " + c.String()
}
