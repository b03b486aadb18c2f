package collector

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/shadowstack/pkg/usage"
)

// WebSocketHandler accepts usage.Envelope frames on a long-lived connection
// and answers each with a usage.Ack.
type WebSocketHandler struct {
	h        *Handler
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(sink BatchSink, opts ...Option) *WebSocketHandler {
	return &WebSocketHandler{
		h: NewHandler(sink, opts...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (ws *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := strings.TrimSpace(r.Header.Get(headerAPIKey))
	if apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, response{Error: "Missing API key"})
		return
	}
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(ws.h.maxBody)

	for {
		var env usage.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.h.log.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		if err := conn.WriteJSON(ws.handle(r, apiKey, env)); err != nil {
			ws.h.log.Debug("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (ws *WebSocketHandler) handle(r *http.Request, apiKey string, env usage.Envelope) usage.Ack {
	ack := usage.Ack{BatchID: env.BatchID}
	if err := env.Payload.Validate(); err != nil {
		ack.Error = err.Error()
		return ack
	}
	if !ws.h.validate(apiKey, env.Payload.ProjectID) {
		ack.Error = "invalid api key"
		return ack
	}
	sub := Submission{APIKey: apiKey, BatchID: env.BatchID, Payload: env.Payload}
	if err := ws.h.sink.HandleBatch(r.Context(), sub); err != nil {
		ack.Error = "internal error"
		return ack
	}
	ack.OK = true
	return ack
}
