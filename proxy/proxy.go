// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy exposes the web interface of each bot beneath a common
// /view/{id}/ prefix.
//
// Bots are ordinary web apps that believe they own the root of their site.
// To keep them working under a foreign prefix the proxy rewrites redirect
// locations, and patches root-absolute links in HTML.  The HTML patch is a
// plain text substitution of four attribute forms (href="/, src="/,
// action="/ and action='/).  It is not an HTML or URL rewriter, and markup
// that builds links any other way (scripts, srcset, CSS url(), single-quoted
// href) is left alone.  Pages larger than a configurable limit are passed
// through unpatched.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/botvisor"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
)

// Prefix is the path space the proxy serves.
const Prefix = "/view/"

// DefaultTimeout bounds a whole upstream exchange.
const DefaultTimeout = 60 * time.Second

// DefaultMaxRewrite is the largest HTML body that is patched.  Bigger pages
// are streamed through untouched.
const DefaultMaxRewrite = 8 << 20

// Backends tells the proxy where a running bot listens.  ok is false if the
// bot is unknown or not running.
type Backends interface {
	Backend(id string) (port int, ok bool)
}

// Response headers that must not be replayed: the body may be re-encoded
// and re-framed, and Location is rewritten separately.
var droppedHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Location":          true,
}

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "botvisor_proxy_requests_total",
		Help: "Requests forwarded to bots, by outcome",
	},
	[]string{"outcome"},
)

// Collectors returns the proxy's metrics.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requestsTotal}
}

// Proxy is an http.Handler for /view/{id}/{path...}.
type Proxy struct {
	backends   Backends
	client     *http.Client
	host       string
	logger     *logrus.Logger
	maxRewrite int64
}

// New returns a proxy in front of backends.  A nil logger selects the
// logrus standard logger.
func New(backends Backends, logger *logrus.Logger) *Proxy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Proxy{
		backends:   backends,
		host:       "127.0.0.1",
		logger:     logger,
		maxRewrite: DefaultMaxRewrite,
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// SetTimeout changes the upstream timeout.  Zero means no timeout.
func (p *Proxy) SetTimeout(d time.Duration) {
	p.client.Timeout = d
}

// SetMaxRewrite changes the size limit for HTML patching.
func (p *Proxy) SetMaxRewrite(n int64) {
	p.maxRewrite = n
}

// Register adds the proxy routes to r.
func (p *Proxy) Register(r *mux.Router) {
	r.HandleFunc("/view/{id}", p.redirectSlash)
	r.PathPrefix("/view/{id}/").Handler(p)
}

func (p *Proxy) redirectSlash(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, Prefix+mux.Vars(r)["id"]+"/", http.StatusMovedPermanently)
}

// split extracts the bot id and the sub-path from a request path.
func split(path string) (string, string, bool) {
	rest, ok := strings.CutPrefix(path, Prefix)
	if !ok {
		return "", "", false
	}
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		return "", "", false
	}
	return id, sub, true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := split(r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}
	port, ok := p.backends.Backend(id)
	if !ok {
		requestsTotal.WithLabelValues("not_found").Inc()
		http.Error(w, "Bot not found or not running", http.StatusNotFound)
		return
	}

	base := "http://" + p.host + ":" + strconv.Itoa(port)
	target := base + "/" + sub
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, e := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if e != nil {
		requestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, e.Error(), http.StatusBadRequest)
		return
	}
	out.ContentLength = r.ContentLength
	out.Header = r.Header.Clone()
	out.Header.Del("Host")
	// Let the transport negotiate compression, so that it hands us a
	// decoded body we can patch.
	out.Header.Del("Accept-Encoding")

	resp, e := p.client.Do(out)
	if e != nil {
		requestsTotal.WithLabelValues("upstream_error").Inc()
		p.logger.WithField("target", target).
			WithError(&botvisor.BotError{Kind: botvisor.ProxyUpstreamError, Bot: id, Err: e}).
			Warn("Upstream request failed")
		http.Error(w, fmt.Sprintf("Bad Gateway: %v", e), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	prefix := Prefix + id + "/"
	copyHeaders(w.Header(), resp.Header)

	if loc := resp.Header.Get("Location"); isRedirect(resp.StatusCode) && loc != "" {
		requestsTotal.WithLabelValues("redirect").Inc()
		w.Header().Set("Location", RewriteLocation(loc, base, prefix))
		w.WriteHeader(resp.StatusCode)
		return
	}

	if isHTML(resp.Header.Get("Content-Type")) {
		body, e := io.ReadAll(io.LimitReader(resp.Body, p.maxRewrite+1))
		if e != nil {
			requestsTotal.WithLabelValues("upstream_error").Inc()
			http.Error(w, fmt.Sprintf("Bad Gateway: %v", e), http.StatusBadGateway)
			return
		}
		if int64(len(body)) > p.maxRewrite {
			p.logger.WithField("bot", id).Debug("Page too large to rewrite")
			w.WriteHeader(resp.StatusCode)
			w.Write(body)
			io.Copy(w, resp.Body)
			requestsTotal.WithLabelValues("ok").Inc()
			return
		}
		body = RewriteHTML(body, prefix)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		requestsTotal.WithLabelValues("ok").Inc()
		return
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	requestsTotal.WithLabelValues("ok").Inc()
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if droppedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range vv {
			if httpguts.ValidHeaderFieldValue(v) {
				dst.Add(k, v)
			}
		}
	}
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// RewriteLocation maps a redirect target issued by a bot into the proxy's
// path space.  The bot's own base URL is stripped; what remains is placed
// under prefix.  Absolute URLs that point elsewhere are returned unchanged.
func RewriteLocation(loc string, base string, prefix string) string {
	loc = strings.TrimPrefix(loc, base)
	if hasScheme(loc) || strings.HasPrefix(loc, "//") {
		return loc
	}
	return prefix + strings.TrimPrefix(loc, "/")
}

func hasScheme(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, c := range s[:i] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

// RewriteHTML prefixes the four supported root-absolute attribute forms.
func RewriteHTML(body []byte, prefix string) []byte {
	r := strings.NewReplacer(
		`href="/`, `href="`+prefix,
		`src="/`, `src="`+prefix,
		`action="/`, `action="`+prefix,
		`action='/`, `action='`+prefix,
	)
	return []byte(r.Replace(string(body)))
}
