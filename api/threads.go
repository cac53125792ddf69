package api

import (
	"net/http"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/log"
)

// ThreadHandler handles conversation listing and deletion.
type ThreadHandler struct {
	store  *convo.Store
	logger log.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(store *convo.Store, logger log.Logger) *ThreadHandler {
	return &ThreadHandler{store: store, logger: logger}
}

// RegisterRoutes registers thread routes on the given mux.
func (h *ThreadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/threads", h.list)
	mux.HandleFunc("DELETE /api/threads/{id}", h.delete)
}

// ThreadListResponse is the response body for GET /api/threads.
type ThreadListResponse struct {
	Threads []convo.ThreadInfo `json:"threads"`
}

func (h *ThreadHandler) list(w http.ResponseWriter, _ *http.Request) {
	threads := h.store.Threads()
	if threads == nil {
		threads = []convo.ThreadInfo{}
	}
	writeJSON(w, http.StatusOK, ThreadListResponse{Threads: threads})
}

func (h *ThreadHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "thread id is required")
		return
	}
	h.store.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}
