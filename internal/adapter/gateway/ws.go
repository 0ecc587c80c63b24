package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase/relay"
)

var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// handleWS serves one chat request over a WebSocket: the client sends a
// request object, the server answers with one JSON frame per event and
// closes normally once the stream ends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	origins := localOrigins
	if len(s.deps.Config.AllowedOrigins) > 0 {
		origins = s.deps.Config.AllowedOrigins
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.deps.Config.MaxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	_, data, err := ws.Read(readCtx)
	readCancel()
	if err != nil {
		s.logger.Debug("websocket request read failed", "error", err)
		return
	}
	var in domain.InboundRequest
	if err := json.Unmarshal(data, &in); err != nil {
		ws.Close(websocket.StatusUnsupportedData, "invalid chat request")
		return
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.chat", trace.WithAttributes(
		tracer.StringAttr("transport", "websocket"),
		tracer.StringAttr("provider", in.Provider),
	))
	defer span.End()
	s.metrics.ChatRequests.Add(1)

	// A client close while streaming cancels the relay.
	ctx = ws.CloseRead(ctx)
	ctx = relay.WithRequestID(ctx, middleware.RequestIDFrom(r.Context()))

	for ev := range s.deps.Relay.Stream(ctx, in) {
		s.metrics.observe(ev)
		frame, ok := encodeFrame(ev)
		if !ok {
			continue
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
		err := ws.Write(writeCtx, websocket.MessageText, frame)
		writeCancel()
		if err != nil {
			s.logger.Debug("websocket client went away", "error", err)
			return
		}
	}
	tracer.SetOK(span)
	ws.Close(websocket.StatusNormalClosure, "")
}
