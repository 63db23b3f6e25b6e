package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorNoOrigin = fmt.Errorf("Relative reference without origin")

const methodSeparator = " "

// Keyer builds canonical request identities.
// Relative references are resolved against the origin, if one is set.
type Keyer struct {
	Origin *url.URL
}

func NewKeyer(origin *url.URL) Keyer {
	return Keyer{Origin: origin}
}

// Key returns the cache key for a request.
// GET and HEAD requests are identified by their absolute URL without fragment,
// all other methods get the method prepended.
func (k Keyer) Key(r *http.Request) string {
	u := k.absolute(r.URL)
	key := canonical(u)
	if r.Method != "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
		key = r.Method + methodSeparator + key
	}
	return key
}

// Resolve resolves a possibly relative reference against the origin.
func (k Keyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		if k.Origin == nil {
			return nil, ErrorNoOrigin
		}
		u = k.Origin.ResolveReference(u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// KeyFor returns the key of a GET request for the reference.
func (k Keyer) KeyFor(ref string) (string, error) {
	u, err := k.Resolve(ref)
	if err != nil {
		return "", err
	}
	return canonical(u), nil
}

func (k Keyer) absolute(u *url.URL) *url.URL {
	if u.IsAbs() || k.Origin == nil {
		return u
	}
	return k.Origin.ResolveReference(u)
}

// canonical lowercases scheme and host and drops the fragment.
func canonical(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" && c.Host != "" {
		c.Path = "/"
	}
	return c.String()
}
