package offcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: the network failed and the current generation has no
	// entry for the request. The page sees a failed load.
	ErrNotFound = errors.New("offcache: network failed and no cached entry")

	ErrInvalidState       = errors.New("offcache: invalid lifecycle state")
	ErrIncompletePrecache = errors.New("offcache: precache incomplete")
	ErrNotCacheable       = errors.New("offcache: response not cacheable")
)

// InstallError reports the precache step that failed. URL is empty when
// the store itself could not be opened.
type InstallError struct {
	Generation string
	URL        string
	Err        error
}

func (e *InstallError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("install %q: %v", e.Generation, e.Err)
	}
	return fmt.Sprintf("install %q: precache %s: %v", e.Generation, e.URL, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// FetchError is returned when neither the network nor the cache answered.
// It matches ErrNotFound unless the cache lookup itself failed.
type FetchError struct {
	Key        string
	NetworkErr error
	CacheErr   error
}

func (e *FetchError) Error() string {
	if e.CacheErr != nil {
		return fmt.Sprintf("fetch %s: network: %v; cache: %v", e.Key, e.NetworkErr, e.CacheErr)
	}
	return fmt.Sprintf("fetch %s: %v: %v", e.Key, ErrNotFound, e.NetworkErr)
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.CacheErr != nil {
		errs = append(errs, e.CacheErr)
	} else {
		errs = append(errs, ErrNotFound)
	}
	if e.NetworkErr != nil {
		errs = append(errs, e.NetworkErr)
	}
	return errs
}
