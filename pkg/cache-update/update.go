// Package cacheupdate reads the Cache-Update response field,
// with which an origin names resources invalidated by a write.
//
//	Cache-Update: /en/articles/42; delay=5, /en/
package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

// CacheUpdate is a single entry of the field.
type CacheUpdate struct {
	// Absolute URL of the resource to refresh.
	URL *url.URL
	// Refresh no earlier than this after the response.
	Delay time.Duration
}

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// Unsafe reports whether the method may change state on the origin.
func Unsafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// Updates returns the updates the response asks for.
// Only responses to unsafe requests are considered, and only
// successful or redirecting ones. Entries pointing to another host are ignored.
func Updates(req *http.Request, res *http.Response) []CacheUpdate {
	if !Unsafe(req.Method) || res.StatusCode < 200 || res.StatusCode >= 400 {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, field := range res.Header.Values(HeaderName) {
		for _, entry := range strings.Split(field, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			ref := strings.TrimSpace(strings.Split(entry, ";")[0])
			u, err := req.URL.Parse(ref)
			if err != nil || (u.Host != "" && !strings.EqualFold(u.Host, req.URL.Host)) {
				continue
			}
			u.Fragment = ""
			updates = append(updates, CacheUpdate{URL: u, Delay: delay(entry)})
		}
	}
	return updates
}

// delay returns the value of the delay=N directive in seconds, 0 if missing.
func delay(entry string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(entry); matches != nil {
		if seconds, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
