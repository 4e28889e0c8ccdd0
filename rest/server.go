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

package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/botvisor"
	"github.com/gdamore/botvisor/proxy"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxInFlight = 64

	// Longest a client may ask GET /status to wait for a change.
	maxStatusWait = 5 * time.Minute
)

// Options tune the Handler.  Zero values select the defaults.
type Options struct {
	Logger          *logrus.Logger
	MaxInFlight     int64
	ProxyTimeout    time.Duration
	ProxyMaxRewrite int64
}

// Handler wraps a Supervisor, adding http.Handler functionality.  It
// serves the control API, the bot proxy under /view/, and /metrics.
type Handler struct {
	s      *botvisor.Supervisor
	r      *mux.Router
	logger *logrus.Logger
	sem    *semaphore.Weighted
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	h.writeJson(w, e.Code, e)
}

// lifecycleError maps supervisor errors onto HTTP responses.
func lifecycleError(e error) *Error {
	switch {
	case errors.Is(e, botvisor.ErrNotFound):
		return &Error{http.StatusNotFound, "Bot not found"}
	case errors.Is(e, botvisor.ErrQueueFull), errors.Is(e, botvisor.ErrPoolClosed):
		return &Error{http.StatusServiceUnavailable, e.Error()}
	case errors.Is(e, botvisor.ErrAlreadyRunning),
		errors.Is(e, botvisor.ErrBadBotID),
		botvisor.IsKind(e, botvisor.ConfigError):
		return &Error{http.StatusBadRequest, e.Error()}
	}
	return &Error{http.StatusInternalServerError, e.Error()}
}

func (h *Handler) listBots(w http.ResponseWriter, r *http.Request) {
	st := h.s.Statuses()
	serial := st.Serial()
	if wait := r.URL.Query().Get("wait"); wait != "" {
		d, e := time.ParseDuration(wait)
		if e != nil || d < 0 {
			h.writeError(w, &Error{http.StatusBadRequest, "Bad wait duration"})
			return
		}
		if d > maxStatusWait {
			d = maxStatusWait
		}
		if old, ok := parseEtag(r.Header.Get("If-None-Match")); ok {
			serial = st.Watch(old, d)
			if serial == old {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	w.Header().Set("ETag", formatEtag(serial))
	h.writeJson(w, http.StatusOK, h.s.List())
}

func formatEtag(serial int64) string {
	return `"` + strconv.FormatInt(serial, 10) + `"`
}

func parseEtag(s string) (int64, bool) {
	s = strings.Trim(strings.TrimPrefix(strings.TrimSpace(s), "W/"), `"`)
	if s == "" {
		return 0, false
	}
	v, e := strconv.ParseInt(s, 10, 64)
	return v, e == nil
}

func (h *Handler) deployBot(w http.ResponseWriter, r *http.Request) {
	repo := botvisor.CleanRepo(r.FormValue(FieldRepoLink))
	if repo == "" {
		h.writeError(w, &Error{http.StatusBadRequest, "Missing data"})
		return
	}
	req := botvisor.DeployRequest{
		Repo:      repo,
		StartFile: strings.TrimSpace(r.FormValue(FieldStartFile)),
		Env:       botvisor.ParseEnv(r.FormValue(FieldEnv)),
	}
	if req.StartFile == "" {
		req.StartFile = botvisor.DefaultStartFile
	}
	if p := strings.TrimSpace(r.FormValue(FieldPort)); p != "" {
		port, e := strconv.Atoi(p)
		if e != nil || port <= 0 {
			h.writeError(w, &Error{http.StatusBadRequest, "Bad port number"})
			return
		}
		req.Port = port
	}

	cfg, e := h.s.Deploy(req)
	if errors.Is(e, botvisor.ErrAlreadyRunning) {
		id, _ := botvisor.BotID(repo)
		h.writeError(w, &Error{http.StatusBadRequest, id + " is already running!"})
		return
	} else if e != nil {
		h.writeError(w, lifecycleError(e))
		return
	}
	h.writeJson(w, http.StatusAccepted, &DeployInfo{
		Name:      cfg.ID,
		Port:      cfg.Port,
		StartFile: cfg.StartFile,
		Status:    botvisor.Queued.String(),
	})
}

func (h *Handler) startBot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bot"]
	if e := h.s.Start(id); e != nil {
		h.writeError(w, lifecycleError(e))
		return
	}
	h.writeJson(w, http.StatusAccepted, &Result{id, botvisor.Queued.String()})
}

func (h *Handler) stopBot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bot"]
	h.s.Stop(id)
	h.writeJson(w, http.StatusOK, &Result{id, botvisor.Stopped.String()})
}

func (h *Handler) deleteBot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bot"]
	if e := h.s.Delete(id); e != nil {
		h.writeError(w, lifecycleError(e))
		return
	}
	h.writeJson(w, http.StatusOK, &Result{id, "Deleted"})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bot"]
	cfg, ok := h.s.Configs().Get(id)
	if !ok {
		h.writeError(w, lifecycleError(botvisor.ErrNotFound))
		return
	}
	h.writeJson(w, http.StatusOK, &ConfigInfo{Env: botvisor.FormatEnv(cfg.Env)})
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bot"]
	env := botvisor.ParseEnv(r.FormValue(FieldEnv))
	if e := h.s.UpdateEnv(id, env); e != nil {
		h.writeError(w, lifecycleError(e))
		return
	}
	h.writeJson(w, http.StatusOK, &Result{id, "Updated"})
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bot"]
	blog, ok := h.s.Log(id)
	if !ok {
		h.writeError(w, lifecycleError(botvisor.ErrNotFound))
		return
	}
	var last int64
	if since := r.URL.Query().Get("since"); since != "" {
		v, e := strconv.ParseInt(since, 10, 64)
		if e != nil {
			h.writeError(w, &Error{http.StatusBadRequest, "Bad log id"})
			return
		}
		last = v
	}
	recs, lid := blog.Records(last)
	if recs == nil {
		recs = []botvisor.LogRecord{}
	}
	h.writeJson(w, http.StatusOK, &LogInfo{Id: lid, Records: recs})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler returns the HTTP face of s.
func NewHandler(s *botvisor.Supervisor, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}

	r := mux.NewRouter()
	// Proxied paths are forwarded as written.
	r.SkipClean(true)
	h := &Handler{
		s:      s,
		r:      r,
		logger: opts.Logger,
		sem:    semaphore.NewWeighted(opts.MaxInFlight),
	}
	r.Use(h.logRequests, h.limit)

	reg := prometheus.NewRegistry()
	reg.MustRegister(botvisor.Collectors()...)
	reg.MustRegister(proxy.Collectors()...)

	r.HandleFunc("/status", h.listBots).Methods("GET")
	r.HandleFunc("/deploy", h.deployBot).Methods("POST")
	r.HandleFunc("/start/{bot}", h.startBot).Methods("GET")
	r.HandleFunc("/stop/{bot}", h.stopBot).Methods("GET")
	r.HandleFunc("/delete/{bot}", h.deleteBot).Methods("GET")
	r.HandleFunc("/get_config/{bot}", h.getConfig).Methods("GET")
	r.HandleFunc("/update_config/{bot}", h.updateConfig).Methods("POST")
	r.HandleFunc("/logs/{bot}", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	px := proxy.New(s, opts.Logger)
	if opts.ProxyTimeout > 0 {
		px.SetTimeout(opts.ProxyTimeout)
	}
	if opts.ProxyMaxRewrite > 0 {
		px.SetMaxRewrite(opts.ProxyMaxRewrite)
	}
	px.Register(r)
	return h
}
