package cache

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// RequestInfo describes whether a request can be answered from a store.
type RequestInfo struct {
	Matchable bool
	Key       string
	Reason    string
}

// ClassifyRequest mirrors cache matching rules: only GET requests match,
// and they match on path and query only.
func ClassifyRequest(r *http.Request) RequestInfo {
	if r.Method != http.MethodGet {
		return RequestInfo{Matchable: false, Reason: "method-not-get"}
	}
	return RequestInfo{Matchable: true, Key: RequestKey(r.URL)}
}

// RequestKey is the store key for a URL: its cleaned path plus the query
// with parameters in canonical order. The fragment is ignored.
func RequestKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	trailing := strings.HasSuffix(p, "/") && p != "/"
	p = path.Clean("/" + p)
	if trailing {
		p += "/"
	}
	if u.RawQuery == "" {
		return p
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return p + "?" + u.RawQuery
	}
	if enc := q.Encode(); enc != "" {
		return p + "?" + enc
	}
	return p
}

// PathKey is RequestKey for a seed path such as "/" or "/app.js?v=2".
func PathKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return RequestKey(u)
}
