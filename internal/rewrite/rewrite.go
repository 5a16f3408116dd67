// Package rewrite implements the development reverse proxy that maps a local
// path prefix onto the upstream models path, so a browser client can reach the
// inference router through the dev server without holding a credential.
package rewrite

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/imagerelay/internal/httperr"
	"github.com/gaspardpetit/imagerelay/internal/logx"
	"github.com/gaspardpetit/imagerelay/internal/metrics"
)

// Rule replaces a leading path Prefix with Replacement.
type Rule struct {
	Prefix      string
	Replacement string
}

// Rewrite returns the rewritten path and true when path starts with the
// rule's prefix on a segment boundary. Other paths are returned unchanged.
func (r Rule) Rewrite(path string) (string, bool) {
	prefix := strings.TrimRight(r.Prefix, "/")
	if prefix == "" {
		return path, false
	}
	if path == prefix {
		return r.Replacement, true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return strings.TrimRight(r.Replacement, "/") + path[len(prefix):], true
	}
	return path, false
}

// Rules applies the first matching Rule.
type Rules []Rule

// Rewrite applies the first rule matching path.
func (rs Rules) Rewrite(path string) (string, bool) {
	for _, r := range rs {
		if p, ok := r.Rewrite(path); ok {
			return p, true
		}
	}
	return path, false
}

// ModelsRule maps prefix (e.g. /hf-image) onto /hf-inference/models.
func ModelsRule(prefix string) Rule {
	return Rule{Prefix: prefix, Replacement: "/hf-inference/models"}
}

// Options configures the rewrite proxy.
type Options struct {
	Target *url.URL
	Rules  Rules
	// Credential replaces any client Authorization header.
	Credential string
	Transport  http.RoundTripper
}

// NewProxy returns a reverse proxy to opts.Target that rewrites paths with
// opts.Rules and sends the target's own host name upstream.
func NewProxy(opts Options) http.Handler {
	target := opts.Target
	rules := opts.Rules
	credential := opts.Credential
	rp := &httputil.ReverseProxy{
		Transport: opts.Transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			path, ok := rules.Rewrite(pr.In.URL.Path)
			metrics.RecordDevProxy(ok)
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			if raw, rok := rules.Rewrite(pr.In.URL.EscapedPath()); rok == ok {
				// keeps escapes such as %2F in the model segment
				pr.Out.URL.RawPath = raw
			}
			pr.SetURL(target)
			pr.Out.Header.Del("Authorization")
			if credential != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+credential)
			}
			logx.Log.Debug().
				Str("request_id", chiMiddleware.GetReqID(pr.In.Context())).
				Str("from", pr.In.URL.Path).
				Str("to", pr.Out.URL.String()).
				Msg("dev proxy")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logx.Log.Error().Err(err).Str("request_id", chiMiddleware.GetReqID(r.Context())).Msg("dev proxy upstream failure")
			httperr.Write(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	return rp
}
