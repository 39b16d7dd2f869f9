package handlers

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/garage-gate/internal/gate"
	"github.com/diagnosis/garage-gate/internal/http/response"
	"github.com/diagnosis/garage-gate/internal/line"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

//go:embed static/verify.html
var verifyPage []byte

const maxVerifyBody = 4 << 10

type EventHandler interface {
	HandleEvent(ctx context.Context, ev gate.Event) error
}

type LocationVerifier interface {
	VerifyLocation(ctx context.Context, proof gate.LocationProof) (gate.VerifyResult, error)
}

type Prober interface {
	Probe(ctx context.Context) error
}

type GateHandler struct {
	Events        EventHandler
	Verifier      LocationVerifier
	Prober        Prober
	ChannelSecret string
	EventTimeout  time.Duration

	// WebhookMiddleware wraps POST /webhook only.
	WebhookMiddleware []func(http.Handler) http.Handler

	parse func(secret string, r *http.Request) ([]gate.Event, error)
	wg    sync.WaitGroup
}

func NewGateHandler(events EventHandler, verifier LocationVerifier, prober Prober, channelSecret string) *GateHandler {
	return &GateHandler{
		Events:        events,
		Verifier:      verifier,
		Prober:        prober,
		ChannelSecret: channelSecret,
		EventTimeout:  time.Minute,
		parse:         line.ParseRequest,
	}
}

// Routes mounts the gate endpoints. api wraps the location API only.
func (h *GateHandler) Routes(api ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(h.WebhookMiddleware...).Post("/webhook", h.webhook)
	r.Get("/verify-location", h.verifyPage)
	r.Get("/mqtt-test", h.probe)
	r.Group(func(r chi.Router) {
		r.Use(api...)
		r.Post("/api/verify-location", h.verifyLocation)
	})
	return r
}

// Wait blocks until every accepted webhook batch has been processed.
func (h *GateHandler) Wait() {
	h.wg.Wait()
}

func (h *GateHandler) webhook(w http.ResponseWriter, r *http.Request) {
	events, err := h.parse(h.ChannelSecret, r)
	if err != nil {
		if errors.Is(err, line.ErrInvalidSignature) {
			logger.WarnContext(r.Context(), "Webhook signature rejected")
			response.WriteError(w, http.StatusBadRequest, "Invalid signature", response.CodeInvalidSignature)
			return
		}
		logger.ErrorContext(r.Context(), "Webhook could not be parsed", "error", err)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	if len(events) > 0 {
		h.wg.Add(1)
		ctx := context.WithoutCancel(r.Context())
		go func() {
			defer h.wg.Done()
			h.process(ctx, events)
		}()
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// process handles a batch in order. The chat platform does not wait for
// command delivery, so this runs after the webhook is acknowledged.
func (h *GateHandler) process(ctx context.Context, events []gate.Event) {
	for _, ev := range events {
		ctx, cancel := context.WithTimeout(ctx, h.EventTimeout)
		err := h.Events.HandleEvent(ctx, ev)
		cancel()
		if err != nil {
			logger.InfoContext(ctx, "Event rejected", "kind", ev.Kind.String(), "user_id", ev.UserID, "error", err)
		}
	}
}

type verifyRequest struct {
	Token string   `json:"token"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Acc   *float64 `json:"acc"`
}

func (h *GateHandler) verifyLocation(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBody)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeVerify(w, gate.ErrInput)
		return
	}
	if token := r.URL.Query().Get("token"); token != "" {
		in.Token = token
	}

	res, err := h.Verifier.VerifyLocation(r.Context(), gate.LocationProof{
		Token: in.Token,
		Lat:   in.Lat,
		Lng:   in.Lng,
		Acc:   in.Acc,
	})
	if err != nil && gate.StatusOf(err) >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Location verification failed", "error", err)
	} else if err != nil {
		logger.InfoContext(r.Context(), "Location verification rejected",
			"user_id", res.UserID, "distance_km", res.DistanceKm, "error", err)
	}
	writeVerify(w, err)
}

func writeVerify(w http.ResponseWriter, err error) {
	if err == nil {
		response.WriteJSON(w, http.StatusOK, response.VerifyResponse{OK: true})
		return
	}
	response.WriteJSON(w, gate.StatusOf(err), response.VerifyResponse{
		OK:      false,
		Message: gate.RejectionText(err),
		Code:    verifyCode(err),
	})
}

func verifyCode(err error) string {
	switch {
	case errors.Is(err, gate.ErrInput):
		return response.CodeInvalidInput
	case errors.Is(err, gate.ErrTokenInvalid):
		return response.CodeInvalidToken
	case errors.Is(err, gate.ErrRateLimited):
		return response.CodeRateLimit
	case errors.Is(err, gate.ErrLocationRejected):
		return response.CodeOutOfRange
	case errors.Is(err, gate.ErrNotMember), errors.Is(err, gate.ErrInvalidOperation):
		return response.CodeForbidden
	case errors.Is(err, gate.ErrDispatchFailure):
		return response.CodeUnavailable
	default:
		return response.CodeInternalError
	}
}

func (h *GateHandler) verifyPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(verifyPage)
}

func (h *GateHandler) probe(w http.ResponseWriter, r *http.Request) {
	if h.Prober == nil {
		response.WriteJSON(w, http.StatusInternalServerError, response.StatusResponse{
			Status: "failure", Message: "Command broker not configured.",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.Prober.Probe(ctx); err != nil {
		logger.ErrorContext(r.Context(), "Broker probe failed", "error", err)
		response.WriteJSON(w, http.StatusInternalServerError, response.StatusResponse{
			Status: "failure", Message: "Broker connection failed due to an internal error.",
		})
		return
	}
	response.WriteJSON(w, http.StatusOK, response.StatusResponse{
		Status: "success", Message: "Broker is reachable.",
	})
}
