package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/genai-studio/internal/auth"
	"github.com/vnmchuo/genai-studio/internal/metrics"
	"github.com/vnmchuo/genai-studio/internal/provider"
	"github.com/vnmchuo/genai-studio/internal/quota"
	"github.com/vnmchuo/genai-studio/pkg/ratelimit"
)

// Request lifecycle. Succeeded and Failed are terminal.
type state string

const (
	stateReceived   state = "received"
	stateAdmitted   state = "admitted"
	stateDispatched state = "dispatched"
	stateSucceeded  state = "succeeded"
	stateFailed     state = "failed"
)

// maxBodyBytes bounds the message history a client can send.
const maxBodyBytes = 1 << 20

type Handler struct {
	dispatcher *Dispatcher
	gate       *quota.Gate
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
	log        *zap.SugaredLogger
}

// NewHandler wires the generation endpoints. limiter may be nil to disable
// burst protection.
func NewHandler(dispatcher *Dispatcher, gate *quota.Gate, limiter *ratelimit.Limiter, tracer trace.Tracer, log *zap.SugaredLogger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		gate:       gate,
		limiter:    limiter,
		tracer:     tracer,
		log:        log,
	}
}

// generation carries one request through its states.
type generation struct {
	capability provider.Capability
	userID     string
	state      state
	start      time.Time
	span       trace.Span
	log        *zap.SugaredLogger
}

func (g *generation) advance(s state) {
	g.log.Debugw("state transition", "from", g.state, "to", s)
	g.state = s
}

func (g *generation) finish(s state) {
	g.advance(s)
	metrics.RequestCount.WithLabelValues(string(g.capability), string(s)).Inc()
	metrics.RequestDuration.WithLabelValues(string(g.capability)).Observe(time.Since(g.start).Seconds())
}

// HandleGenerate returns the endpoint for one capability.
func (h *Handler) HandleGenerate(capability provider.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.generate(w, r, capability)
	}
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request, capability provider.Capability) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := h.tracer.Start(ctx, "proxy.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability", string(capability)),
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
	)

	g := &generation{
		capability: capability,
		userID:     userID,
		state:      stateReceived,
		start:      time.Now(),
		span:       span,
		log:        h.log.With("request_id", requestID, "user_id", userID, "capability", capability),
	}

	msgs, err := decodeMessages(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, g, ErrBodyTooLarge, err)
			return
		}
		h.fail(w, g, ErrInvalidBody, err)
		return
	}
	req := &provider.Request{
		Capability: capability,
		Messages:   msgs,
		UserID:     userID,
		RequestID:  requestID,
	}
	if err := req.Validate(); err != nil {
		h.fail(w, g, ErrNoPrompt, err)
		return
	}

	var flusher http.Flusher
	if capability.Streaming() {
		var ok bool
		if flusher, ok = w.(http.Flusher); !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			g.finish(stateFailed)
			return
		}
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, callerKey(r, userID))
		if err != nil {
			h.fail(w, g, ErrRateLimiterDown, err)
			return
		}
		if !allowed {
			h.fail(w, g, ErrRateLimited, nil)
			return
		}
	}

	admitted, err := h.gate.CheckAdmission(ctx, userID)
	if err != nil {
		h.fail(w, g, ErrAdmission, err)
		return
	}
	if !admitted {
		h.fail(w, g, ErrQuotaExceeded, quota.ErrQuotaExceeded)
		return
	}
	g.advance(stateAdmitted)

	res, err := h.dispatcher.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			h.abandoned(g, err)
			return
		}
		h.fail(w, g, providerError(g, err), err)
		return
	}
	g.advance(stateDispatched)

	if text, ok := res.(*provider.TextResult); ok {
		h.relay(ctx, w, r, flusher, g, text)
		return
	}

	field, url, ok := provider.Locator(res)
	if !ok {
		h.fail(w, g, ErrProviderFailed, fmt.Errorf("unexpected result %T", res))
		return
	}
	h.recordConsumption(ctx, g)
	writeJSON(w, http.StatusOK, map[string]string{field: url})
	g.finish(stateSucceeded)
}

type sseChunk struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta sseDelta `json:"delta"`
	Index int      `json:"index"`
}

type sseDelta struct {
	Content string `json:"content"`
}

// relay forwards each chunk to the client as soon as it arrives. Quota is
// recorded only after the provider's terminal Done chunk.
func (h *Handler) relay(ctx context.Context, w http.ResponseWriter, r *http.Request, flusher http.Flusher, g *generation, text *provider.TextResult) {
	defer text.Close()

	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			h.abandoned(g, ctx.Err())
			return
		case chunk, ok := <-text.Chunks:
			if !ok {
				if ctx.Err() != nil {
					h.abandoned(g, ctx.Err())
					return
				}
				h.streamFailed(w, flusher, sse, g, io.ErrUnexpectedEOF)
				return
			}
			if chunk.Err != nil {
				h.streamFailed(w, flusher, sse, g, chunk.Err)
				return
			}
			if chunk.Delta != "" {
				if err := writeDelta(w, sse, chunk.Delta); err != nil {
					h.abandoned(g, err)
					return
				}
				flusher.Flush()
				metrics.StreamedChunks.WithLabelValues(string(g.capability)).Inc()
			}
			if chunk.Done {
				h.recordConsumption(ctx, g)
				if sse {
					fmt.Fprintf(w, "data: [DONE]\n\n")
					flusher.Flush()
				}
				g.finish(stateSucceeded)
				return
			}
		}
	}
}

func writeDelta(w io.Writer, sse bool, delta string) error {
	if !sse {
		_, err := io.WriteString(w, delta)
		return err
	}
	data, err := json.Marshal(sseChunk{Choices: []sseChoice{{Delta: sseDelta{Content: delta}}}})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// streamFailed terminates a stream whose headers are already sent. Output
// already delivered stands. SSE clients get an error event; plain-text
// clients see the connection aborted.
func (h *Handler) streamFailed(w http.ResponseWriter, flusher http.Flusher, sse bool, g *generation, err error) {
	metrics.ProviderErrors.WithLabelValues(string(g.capability)).Inc()
	g.span.RecordError(err)
	g.span.SetStatus(codes.Error, "stream failed")
	g.log.Warnw("stream failed", "error", err)
	g.finish(stateFailed)

	if sse {
		data, _ := json.Marshal(map[string]string{"error": ErrProviderFailed.Message, "code": ErrProviderFailed.Code})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
		return
	}
	panic(http.ErrAbortHandler)
}

// abandoned records a request whose client went away. No quota is consumed.
func (h *Handler) abandoned(g *generation, err error) {
	metrics.ClientDisconnects.WithLabelValues(string(g.capability)).Inc()
	g.log.Infow("client disconnected", "state", g.state, "error", err)
	g.finish(stateFailed)
}

func (h *Handler) fail(w http.ResponseWriter, g *generation, e *RequestError, err error) {
	if err != nil {
		g.span.RecordError(err)
	}
	g.span.SetStatus(codes.Error, e.Code)
	if e.StatusCode >= 500 {
		g.log.Errorw("generation failed", "state", g.state, "code", e.Code, "error", err)
	} else {
		g.log.Infow("generation rejected", "state", g.state, "code", e.Code, "error", err)
	}
	writeError(w, e)
	g.finish(stateFailed)
}

// recordConsumption runs once per successful generation. The work is
// already done, so it is detached from the client's cancellation and a
// store failure is logged rather than turned into an error response.
func (h *Handler) recordConsumption(ctx context.Context, g *generation) {
	if err := h.gate.RecordConsumption(context.WithoutCancel(ctx), g.userID); err != nil {
		g.span.RecordError(err)
		g.log.Errorw("failed to record consumption", "error", err)
		return
	}
	metrics.Consumptions.WithLabelValues(string(g.capability)).Inc()
}

func providerError(g *generation, err error) *RequestError {
	switch {
	case errors.Is(err, provider.ErrUnsupportedCapability):
		return ErrNotImplemented
	case errors.Is(err, ErrProviderUnavailable):
		return ErrProviderDown
	}
	metrics.ProviderErrors.WithLabelValues(string(g.capability)).Inc()
	return ErrProviderFailed
}

// decodeMessages accepts either a bare JSON array of messages or an object
// with a "messages" field.
func decodeMessages(body io.Reader) ([]provider.Message, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var msgs []provider.Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var payload struct {
		Messages []provider.Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

func callerKey(r *http.Request, userID string) string {
	if userID != "" {
		return userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)

	usage, err := h.gate.CurrentUsage(ctx, userID)
	if err != nil {
		h.log.Errorw("failed to fetch api usage", "user_id", userID, "error", err)
		writeError(w, ErrUsageUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"usage": usage,
		"limit": h.gate.MaxFree(),
	})
}
