package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/adapter/sse"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase/relay"
)

// encodeFrame renders ev as the JSON payload of one wire frame. Done has
// no frame: the end of the stream marks it.
func encodeFrame(ev domain.StreamEvent) ([]byte, bool) {
	var (
		b   []byte
		err error
	)
	switch ev.Kind {
	case domain.KindContent:
		b, err = sjson.SetBytes(nil, "content", ev.Text)
	case domain.KindStatus:
		b, err = sjson.SetBytes(nil, "status", ev.Note)
	case domain.KindError:
		b, err = sjson.SetBytes(nil, "error", ev.Message)
		if err == nil && ev.Code != "" {
			b, err = sjson.SetBytes(b, "code", string(ev.Code))
		}
	default:
		return nil, false
	}
	return b, err == nil
}

// parseChatRequest reads the chat request from a JSON body, a form post or
// query parameters. history is a JSON array in the form and query variants.
func parseChatRequest(r *http.Request) (domain.InboundRequest, error) {
	var in domain.InboundRequest

	if r.Method == http.MethodPost {
		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mt == "application/json" {
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				return in, fmt.Errorf("invalid JSON: %w", err)
			}
			return in, nil
		}
		if err := r.ParseForm(); err != nil {
			return in, fmt.Errorf("invalid form: %w", err)
		}
	}

	get := r.FormValue
	if r.Method == http.MethodGet {
		get = r.URL.Query().Get
	}
	in.Message = get("message")
	in.Context = get("context")
	in.Provider = get("provider")
	if h := get("history"); h != "" {
		if err := json.Unmarshal([]byte(h), &in.History); err != nil {
			return in, fmt.Errorf("invalid history: %w", err)
		}
	}
	return in, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Config.MaxBodyBytes)

	in, err := parseChatRequest(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "gateway.chat", trace.WithAttributes(
		tracer.StringAttr("transport", "sse"),
		tracer.StringAttr("provider", in.Provider),
	))
	defer span.End()

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s.metrics.ChatRequests.Add(1)

	ctx = relay.WithRequestID(ctx, middleware.RequestIDFrom(r.Context()))
	events := s.deps.Relay.Stream(ctx, in)

	var tick <-chan time.Time
	if ka := s.deps.Config.KeepAlive; ka > 0 {
		t := time.NewTicker(ka)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				tracer.SetOK(span)
				return
			}
			s.metrics.observe(ev)
			frame, ok := encodeFrame(ev)
			if !ok {
				continue
			}
			if err := sw.WriteData(frame); err != nil {
				s.logger.Debug("chat client went away", "error", err)
				return
			}
		case <-tick:
			if err := sw.Comment("keep-alive"); err != nil {
				return
			}
		}
	}
}
