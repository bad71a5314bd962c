package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tokencollector/collector-backend/internal/store"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

type SSEHandler struct {
	cache          *store.Cache
	allowedOrigins []string
	snapshot       SnapshotFunc
	logger         *zap.SugaredLogger
	heartbeat      time.Duration
}

func NewSSEHandler(cache *store.Cache, allowedOrigins []string, snapshot SnapshotFunc, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:          cache,
		allowedOrigins: allowedOrigins,
		snapshot:       snapshot,
		logger:         logger,
		heartbeat:      heartbeatInterval,
	}
}

// HandleSSE streams transfer_state events until the client disconnects.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" && originAllowed(origin, h.allowedOrigins) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	ctx := r.Context()
	sub := h.cache.Subscribe(ctx, store.ChannelTransferState)
	defer sub.Close()

	h.logger.Debugw("SSE connection established", "remote", r.RemoteAddr)
	h.sendEvent(w, flusher, "connected", "0", nil)
	if h.snapshot != nil {
		h.sendEvent(w, flusher, "transfer_state", store.ChannelTransferState, h.snapshot())
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, flusher, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "error", err)
				continue
			}
			h.sendEvent(w, flusher, "transfer_state", msg.Channel, data)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType, id string, data interface{}) {
	payload := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		payload = b
	}
	fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", eventType, id, payload)
	flusher.Flush()
}
