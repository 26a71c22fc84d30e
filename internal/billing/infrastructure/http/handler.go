package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitness360/billing-pipeline/internal/billing/application"
	"github.com/fitness360/billing-pipeline/internal/billing/domain"
	"github.com/fitness360/billing-pipeline/internal/billing/infrastructure/stripe"
)

const (
	TenantHeader    = "X-Tenant-ID"
	signatureHeader = "Stripe-Signature"
	maxWebhookBytes = 64 << 10
)

type tenantKey struct{}

type Handler struct {
	log     *slog.Logger
	service *application.Service
	webhook *stripe.Webhook
	tracer  trace.Tracer
	now     func() time.Time
}

// NewHandler builds the billing HTTP API. webhook may be nil, in which case
// the Stripe webhook route is not registered.
func NewHandler(log *slog.Logger, service *application.Service, webhook *stripe.Webhook) *Handler {
	return &Handler{
		log:     log,
		service: service,
		webhook: webhook,
		tracer:  otel.Tracer("billing-http"),
		now:     time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(extractTrace)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.webhook != nil {
		r.Post("/webhooks/stripe", h.stripeWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Post("/invoices", h.createInvoice)
		r.Get("/invoices/{id}", h.getInvoice)
		r.Post("/invoices/{id}/payments", h.processPayment)
		r.Post("/invoices/{id}/cancel", h.cancelInvoice)
		r.Get("/members/{id}/payments", h.memberPayments)
		r.Get("/members/{id}/invoices", h.memberInvoices)
	})
	return r
}

type createInvoiceReq struct {
	MemberID    string          `json:"memberId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     time.Time       `json:"dueDate"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateInvoice")
	defer span.End()

	var req createInvoiceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch {
	case req.MemberID == "":
		writeError(w, http.StatusBadRequest, "memberId is required")
		return
	case !req.Amount.IsPositive():
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	case !req.DueDate.After(h.now()):
		writeError(w, http.StatusBadRequest, "dueDate must be in the future")
		return
	}

	inv, err := h.service.CreateInvoice(ctx, application.CreateInvoiceRequest{
		TenantID:    tenant(ctx),
		MemberID:    req.MemberID,
		Description: req.Description,
		Amount:      req.Amount,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoice(inv))
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetInvoice")
	defer span.End()

	d, err := h.ownedInvoice(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := toInvoice(d.Invoice)
	resp.Payments = toPayments(d.Payments)
	writeJSON(w, http.StatusOK, resp)
}

type processPaymentReq struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
}

func (h *Handler) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProcessPayment")
	defer span.End()

	var req processPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	method, err := domain.ParsePaymentMethod(req.Method)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.service.ProcessPayment(ctx, chi.URLParam(r, "id"), req.Amount, method, tenant(ctx))
	if err != nil {
		if errors.Is(err, domain.ErrPaymentProcessingFailed) && p.ID != "" {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":   domain.ErrPaymentProcessingFailed.Error(),
				"payment": toPayment(p),
			})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayment(p))
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelInvoice")
	defer span.End()

	id := chi.URLParam(r, "id")
	if _, err := h.ownedInvoice(ctx, id); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.service.CancelInvoice(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoice(inv))
}

func (h *Handler) memberPayments(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MemberPaymentHistory")
	defer span.End()

	payments, err := h.service.MemberPaymentHistory(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t := tenant(ctx)
	out := make([]paymentResp, 0, len(payments))
	for _, p := range payments {
		if p.TenantID == t {
			out = append(out, toPayment(p))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) memberInvoices(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MemberInvoices")
	defer span.End()

	invoices, err := h.service.MemberInvoices(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t := tenant(ctx)
	out := make([]invoiceResp, 0, len(invoices))
	for _, inv := range invoices {
		if inv.OwnedBy(t) {
			out = append(out, toInvoice(inv))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "StripeWebhook")
	defer span.End()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err := h.webhook.Handle(ctx, payload, r.Header.Get(signatureHeader)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ownedInvoice hides invoices of other tenants behind NotFound.
func (h *Handler) ownedInvoice(ctx context.Context, id string) (application.InvoiceDetails, error) {
	d, err := h.service.Invoice(ctx, id)
	if err != nil {
		return application.InvoiceDetails{}, err
	}
	if !d.Invoice.OwnedBy(tenant(ctx)) {
		return application.InvoiceDetails{}, domain.ErrInvoiceNotFound
	}
	return d, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupportedPaymentMethod), errors.Is(err, stripe.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentProcessingFailed):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := r.Header.Get(TenantHeader)
		if t == "" {
			writeError(w, http.StatusBadRequest, TenantHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, t)))
	})
}

func tenant(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

func extractTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
