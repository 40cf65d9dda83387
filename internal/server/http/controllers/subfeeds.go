package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rzbill/relay/internal/feedlog"
)

// FeedReader is the read side of the local subfeed store.
type FeedReader interface {
	ListSubfeeds(feedID string) ([]feedlog.SubfeedInfo, error)
	Messages(ctx context.Context, feedID, subfeedHash string) ([]json.RawMessage, error)
}

// SubfeedsController serves read-only views of local subfeed logs.
type SubfeedsController struct {
	feeds FeedReader
}

func NewSubfeedsController(feeds FeedReader) *SubfeedsController {
	return &SubfeedsController{feeds: feeds}
}

// RegisterRoutes registers:
//   - GET /v1/feeds/{feedId}/subfeeds
//   - GET /v1/feeds/{feedId}/subfeeds/{subfeedHash}/messages?start=&limit=
func (c *SubfeedsController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/feeds/{feedId}/subfeeds", c.handleList)
	r.Get("/v1/feeds/{feedId}/subfeeds/{subfeedHash}/messages", c.handleMessages)
}

func (c *SubfeedsController) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := c.feeds.ListSubfeeds(chi.URLParam(r, "feedId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list subfeeds")
		return
	}
	if list == nil {
		list = []feedlog.SubfeedInfo{}
	}
	writeJSON(w, map[string]any{"subfeeds": list})
}

func (c *SubfeedsController) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := c.feeds.Messages(r.Context(), chi.URLParam(r, "feedId"), chi.URLParam(r, "subfeedHash"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read messages")
		return
	}
	start := parseLimit(r.URL.Query().Get("start"))
	if start > len(msgs) {
		start = len(msgs)
	}
	msgs = msgs[start:]
	if limit := parseLimit(r.URL.Query().Get("limit")); limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	writeJSON(w, map[string]any{"start": start, "messages": msgs})
}
