package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/service"
	"kasirinaja/settlement/internal/store"
)

var tracer = otel.Tracer("kasirinaja/settlement/httpapi")

type Config struct {
	AllowedOrigin  string
	RateLimitRPS   float64
	RateLimitBurst int
}

type API struct {
	service       *service.Service
	attempts      store.AttemptStore
	allowedOrigin string
	limiter       *clientLimiter
}

func New(svc *service.Service, attempts store.AttemptStore, cfg Config) *API {
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	return &API{
		service:       svc,
		attempts:      attempts,
		allowedOrigin: cfg.AllowedOrigin,
		limiter:       newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/orders", a.handleOrders)
	mux.HandleFunc("/api/v1/orders/{id}", a.handleOrder)
	mux.HandleFunc("/api/v1/orders/{id}/payments", a.handleOrderPayment)
	mux.HandleFunc("/api/v1/orders/{id}/complete", a.handleOrderComplete)
	mux.HandleFunc("/api/v1/orders/{id}/cancel", a.handleOrderCancel)
	mux.HandleFunc("/api/v1/orders/{id}/refund", a.handleOrderRefund)
	mux.HandleFunc("/api/v1/stock/{product_id}", a.handleStock)
	mux.HandleFunc("/api/v1/customers/{id}/spend", a.handleCustomerSpend)

	mux.HandleFunc("/api/v1/cash-sessions/open", a.handleSessionOpen)
	mux.HandleFunc("/api/v1/cash-sessions/active", a.handleSessionActive)
	mux.HandleFunc("/api/v1/cash-sessions/{id}", a.handleSession)
	mux.HandleFunc("/api/v1/cash-sessions/{id}/summary", a.handleSessionSummary)
	mux.HandleFunc("/api/v1/cash-sessions/{id}/transactions", a.handleSessionTransactions)
	mux.HandleFunc("/api/v1/cash-sessions/{id}/close", a.handleSessionClose)
	mux.HandleFunc("/api/v1/cash-sessions/{id}/rebuild", a.handleSessionRebuild)
	mux.HandleFunc("/api/v1/cash-sessions/{id}/note", a.handleSessionNote)

	mux.HandleFunc("/api/v1/reports/daily", a.handleDailyReport)
	mux.HandleFunc("/api/v1/reports/daily/snapshot", a.handleDailySnapshot)
	mux.HandleFunc("/api/v1/reports/order-stats", a.handleOrderStats)
	mux.HandleFunc("/api/v1/reports/top-selling", a.handleTopSelling)
	mux.HandleFunc("/api/v1/reports/cash-reconciliation", a.handleCashReconciliation)
	mux.HandleFunc("/api/v1/purchases", a.handlePurchases)
	mux.HandleFunc("/api/v1/accounting/entries", a.handleAccountingEntries)
	mux.HandleFunc("/api/v1/audit-logs", a.handleAuditLogs)

	mux.HandleFunc("/api/v1/outbox/events", a.handleOutboxEvents)
	mux.HandleFunc("/api/v1/outbox/events/{id}/requeue", a.handleOutboxRequeue)
	mux.HandleFunc("/api/v1/outbox/attempts", a.handleOutboxAttempts)

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"store_id": a.service.DefaultStoreID(),
		"at":       time.Now().UTC().Format(time.RFC3339),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
			ctx = service.WithActor(ctx, actor)
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return apperror.Validation("invalid request body: %v", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves dest untouched.
func decodeOptionalJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return apperror.Validation("invalid request body: %v", err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps the error kind onto a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, apperror.HTTPStatus(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry the underlying error.
	msg := err.Error()
	kind := apperror.KindOf(err)
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
		kind = apperror.KindInternal
	} else if kind == apperror.KindInternal {
		kind = ""
	}

	body := map[string]any{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
