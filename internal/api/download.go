package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// handleDownload serves signed links minted by the in-memory blob store.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		http.NotFound(w, r)
		return
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}
	}
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if key == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.deps.Blobs.Verify(bucket, key, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	data, contentType, err := s.deps.Blobs.Open(model.Bucket(bucket), key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}
	name := path.Base(key)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}
