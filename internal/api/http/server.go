// Package httpapi exposes the escrow service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appAuth "github.com/pesalock/pesalock/internal/application/auth"
	appEscrow "github.com/pesalock/pesalock/internal/application/escrow"
	appUser "github.com/pesalock/pesalock/internal/application/user"
	"github.com/pesalock/pesalock/internal/domain/transaction"
	"github.com/pesalock/pesalock/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	escrowSvc           *appEscrow.Service
	authSvc             *appAuth.Service
	userSvc             *appUser.Service
	sseHub              *sse.Hub
	sessionCookieName   string
	sessionCookieSecure bool
}

func NewServer(
	escrowSvc *appEscrow.Service,
	authSvc *appAuth.Service,
	userSvc *appUser.Service,
	sseHub *sse.Hub,
	sessionCookieName string,
	sessionCookieSecure bool,
) *Server {
	return &Server{
		escrowSvc:           escrowSvc,
		authSvc:             authSvc,
		userSvc:             userSvc,
		sseHub:              sseHub,
		sessionCookieName:   sessionCookieName,
		sessionCookieSecure: sessionCookieSecure,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.register)
			r.Post("/login", s.login)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/logout", s.logout)
				r.Get("/me", s.me)
			})
		})

		// Gateway confirmations arrive unauthenticated; the callback is
		// matched to a transaction by CheckoutRequestID only.
		r.Post("/payments/mpesa/callback", s.mpesaCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/users", func(r chi.Router) {
				r.Put("/me/payout-details", s.updatePayoutDetails)
			})

			r.Route("/transactions", func(r chi.Router) {
				r.Post("/", s.createTransaction)
				r.Get("/", s.listTransactions)
				r.Get("/{transactionId}", s.getTransaction)
				r.Post("/{transactionId}/initiate-payment", s.initiatePayment)
				r.Post("/{transactionId}/query-payment", s.queryPayment)
				r.Post("/{transactionId}/confirm-payment", s.confirmPayment)
				r.Post("/{transactionId}/transfer-asset", s.transferAsset)
				r.Post("/{transactionId}/release-funds", s.releaseFunds)
				r.Post("/{transactionId}/accept-asset", s.acceptAsset)
				r.Post("/{transactionId}/cancel", s.cancelTransaction)
				r.Post("/{transactionId}/dispute", s.raiseDispute)
			})

			r.Route("/events", func(r chi.Router) {
				r.Get("/stream", s.eventStream)
				r.Post("/rooms/{transactionId}/join", s.joinRoom)
				r.Post("/rooms/{transactionId}/leave", s.leaveRoom)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/payouts", s.listPayouts)
				r.Post("/payouts/{transactionId}/disburse", s.disburse)
				r.Post("/transactions/{transactionId}/resolve-dispute", s.resolveDispute)
				r.Get("/wallet-summary", s.walletSummary)
			})
		})
	})

	return r
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps the escrow error taxonomy onto HTTP statuses.
// Guard rejections and lost conditional updates are both 409: the client
// holds a stale view either way and should re-fetch.
func respondDomainError(w http.ResponseWriter, err error) {
	var invalidState *transaction.InvalidStateError
	var validation *transaction.ValidationError
	var upstream *transaction.UpstreamError
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, transaction.ErrForbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, transaction.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &invalidState):
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.As(err, &upstream):
		respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func transactionIDParam(r *http.Request) string {
	return chi.URLParam(r, "transactionId")
}
