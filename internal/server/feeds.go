package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/app"
)

const maxSnapshotLimit = 500

var xmlCT = []string{"application/xml; charset=utf-8"}

type feedList struct {
	Data []app.FeedStatus `json:"data"`
}

type snapshotList struct {
	Feed string `json:"feed"`
	Data any    `json:"data"`
}

func (s *server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.deps.Feeds.Feeds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedList{Data: feeds})
}

// handleFetchFeed serves the feed body as XML. The ETag is the content hash,
// so a matching If-None-Match gets a 304 without a body.
func (s *server) handleFetchFeed(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Feeds.Fetch(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	etag := `"` + doc.Hash + `"`
	h := w.Header()
	h["Etag"] = []string{etag}
	h["Last-Modified"] = []string{doc.FetchedAt.UTC().Format(http.TimeFormat)}
	if doc.Cached {
		h["X-Cache"] = []string{"HIT"}
	} else {
		h["X-Cache"] = []string{"MISS"}
	}
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h["Content-Type"] = xmlCT
	h["Content-Length"] = []string{strconv.Itoa(len(doc.Body))}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc.Body))
}

func (s *server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("limit must be a positive integer", errorType(http.StatusBadRequest)))
			return
		}
		limit = min(n, maxSnapshotLimit)
	}

	name := chi.URLParam(r, "name")
	snaps, err := s.deps.Feeds.Snapshots(r.Context(), name, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var data any = snaps
	if snaps == nil {
		data = []struct{}{}
	}
	writeJSON(w, http.StatusOK, snapshotList{Feed: name, Data: data})
}

type refreshResult struct {
	Status    string `json:"status"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// handleRefresh refetches every feed now. Partial failure still answers
// 200 with the joined error text; only a closed service is an error.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.deps.Feeds.Refresh(r.Context())
	res := refreshResult{Status: "ok", ElapsedMs: time.Since(start).Milliseconds()}
	if err != nil {
		if errors.Is(err, xmlfetch.ErrServiceClosed) {
			writeError(w, r, err)
			return
		}
		res.Status = "partial"
		res.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, res)
}
