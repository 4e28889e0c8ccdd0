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
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestIdHeader = "X-Request-Id"

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests logs each request once it completes, tagged with a request
// id that is echoed back to the client.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get(requestIdHeader)
		if strings.TrimSpace(rid) == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIdHeader, rid)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.code == 0 {
			sw.code = http.StatusOK
		}

		entry := h.logger.WithFields(logrus.Fields{
			"request_id": rid,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.code,
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  r.RemoteAddr,
		})
		switch {
		case sw.code >= http.StatusInternalServerError:
			entry.Error("request")
		case sw.code >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Debug("request")
		}
	})
}

// limit bounds the number of requests served at once.  Excess requests
// wait for a slot until their client gives up.
func (h *Handler) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e := h.sem.Acquire(r.Context(), 1); e != nil {
			h.writeError(w, &Error{http.StatusServiceUnavailable, "Server busy"})
			return
		}
		defer h.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}
