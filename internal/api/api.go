// Package api is the HTTP surface of escrowd
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	escrow "github.com/logistic-platform/logistics-contract"
)

type (
	// Service is the escrow lifecycle the API drives
	Service interface {
		CreateEscrow(
			context.Context, escrow.Address, escrow.CreateRequest,
		) (*escrow.Account, *escrow.Authorization, error)
		ReleasePayment(
			context.Context, escrow.AccountID, *escrow.Authorization,
		) (*escrow.Account, error)
		RefundPayment(
			context.Context, escrow.AccountID, escrow.Address,
		) (*escrow.Account, error)
		PublishAccount(
			context.Context, escrow.AccountID, escrow.Address,
		) (*escrow.Account, error)
		TransferAuthorization(
			context.Context, *escrow.Authorization, escrow.Address,
			escrow.Address,
		) error
		Account(context.Context, escrow.AccountID) (*escrow.Account, error)
		Authorization(
			context.Context, escrow.AuthorizationID,
		) (*escrow.Authorization, error)
		Payouts(context.Context, escrow.Address) (int64, error)
		SharedAccounts(context.Context) ([]escrow.AccountID, error)
		ReadFeed(context.Context, string, int64) ([]*escrow.Record, error)
	}

	// Handler serves the escrow routes
	Handler struct {
		svc    Service
		logger *zap.Logger
	}

	createResponse struct {
		Account       *escrow.Account       `json:"account"`
		Authorization *escrow.Authorization `json:"authorization"`
	}

	releaseRequest struct {
		AuthorizationID escrow.AuthorizationID `json:"authorization_id"`
	}

	transferRequest struct {
		Recipient escrow.Address `json:"recipient"`
	}

	payoutResponse struct {
		Address escrow.Address `json:"address"`
		Total   int64          `json:"total"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}

	callerKey struct{}
)

const (
	// CallerHeader carries the identity of the party making the request
	CallerHeader = "X-Escrow-Caller"

	defaultFeedCount = 100
	maxFeedCount     = 1000
	requestTimeout   = 30 * time.Second
)

func New(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("api")}
}

// NewRouter returns a chi router with every escrow route registered
func NewRouter(svc Service, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	New(svc, logger).Register(r)
	return r
}

// Register mounts the escrow routes on r
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(h.logRequests)
		r.Use(withCaller)

		r.Post("/escrows", h.handleCreate)
		r.Get("/escrows/{id}", h.handleGet)
		r.Post("/escrows/{id}/release", h.handleRelease)
		r.Post("/escrows/{id}/refund", h.handleRefund)
		r.Post("/escrows/{id}/publish", h.handlePublish)
		r.Post("/authorizations/{id}/transfer", h.handleTransfer)
		r.Get("/payouts/{address}", h.handlePayouts)
		r.Get("/shared", h.handleShared)
		r.Get("/feed", h.handleFeed)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req escrow.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	acc, auth, err := h.svc.CreateEscrow(r.Context(), caller(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		Account:       acc,
		Authorization: auth,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.Account(r.Context(), accountID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// handleRelease binds the presented handle to the target account. The store
// rejects the commit if the handle is bound elsewhere or already consumed
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AuthorizationID == "" {
		h.writeError(w, r, escrow.ErrInvalidInput)
		return
	}

	id := accountID(r)
	acc, err := h.svc.ReleasePayment(r.Context(), id, &escrow.Authorization{
		ID:        req.AuthorizationID,
		AccountID: id,
		Holder:    caller(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.RefundPayment(r.Context(), accountID(r), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.PublishAccount(r.Context(), accountID(r), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	id := escrow.AuthorizationID(chi.URLParam(r, "id"))
	auth, err := h.svc.Authorization(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.TransferAuthorization(
		ctx, auth, caller(r), req.Recipient,
	); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (h *Handler) handlePayouts(w http.ResponseWriter, r *http.Request) {
	addr := escrow.Address(chi.URLParam(r, "address"))
	total, err := h.svc.Payouts(r.Context(), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{Address: addr, Total: total})
}

func (h *Handler) handleShared(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.SharedAccounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	count := int64(defaultFeedCount)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			h.writeError(w, r, escrow.ErrInvalidInput)
			return
		}
		count = min(n, maxFeedCount)
	}

	recs, err := h.svc.ReadFeed(r.Context(), r.URL.Query().Get("after"), count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("invalid request body",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid request body",
		})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyRefunded),
		errors.Is(err, escrow.ErrAlreadyPublished),
		errors.Is(err, escrow.ErrDeadlineNotReached),
		errors.Is(err, escrow.ErrAccountActive):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrAccountNotFound),
		errors.Is(err, escrow.ErrAuthorizationNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := escrow.Address(r.Header.Get(CallerHeader))
		ctx := context.WithValue(r.Context(), callerKey{}, addr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func caller(r *http.Request) escrow.Address {
	addr, _ := r.Context().Value(callerKey{}).(escrow.Address)
	return addr
}

func accountID(r *http.Request) escrow.AccountID {
	return escrow.AccountID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
