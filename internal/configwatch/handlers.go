package configwatch

import (
	"log"
	"net/http"
	"strings"

	"github.com/banshee-data/taglocalizer/internal/httputil"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
)

// AttachRoutes registers the configuration API on mux:
//
//	POST /api/pose-prior   queue a pose prior (JSON or YAML body)
//	POST /api/tag-layout   queue a tag layout (JSON or YAML body)
//	GET  /api/config       listener status
func (l *Listener) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/pose-prior", l.handlePosePrior)
	mux.HandleFunc("/api/tag-layout", l.handleTagLayout)
	mux.HandleFunc("/api/config", l.handleStatus)
}

func (l *Listener) handlePosePrior(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	data, ok := httputil.ReadBody(w, r, maxDocumentSize)
	if !ok {
		return
	}
	prior, err := ParsePosePrior(data, bodyFormat(r))
	if err != nil {
		l.reject(err)
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := l.OfferPosePrior(prior, "http:"+r.RemoteAddr); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	log.Printf("[Config] pose prior %v queued from %s", prior.Pose, r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "pose": prior.Pose})
}

func (l *Listener) handleTagLayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	data, ok := httputil.ReadBody(w, r, maxDocumentSize)
	if !ok {
		return
	}
	layout, err := tagmodel.ParseLayout(data, bodyFormat(r))
	if err != nil {
		l.reject(err)
		httputil.BadRequest(w, err.Error())
		return
	}
	l.OfferTagLayout(layout, "http:"+r.RemoteAddr)
	log.Printf("[Config] tag layout with %d tags queued from %s", len(layout.Tags), r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "tags": len(layout.Tags)})
}

func (l *Listener) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, l.Status())
}

func bodyFormat(r *http.Request) string {
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return "yaml"
	}
	return "json"
}
