package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/nimasrn/sms-dispatch/internal/reconciler"
	xhttp "github.com/nimasrn/sms-dispatch/pkg/http"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
)

type Reconciler interface {
	Reconcile(ctx context.Context, payload []byte, signature string) (reconciler.Outcome, error)
}

type WebhookHandler struct {
	rec Reconciler
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/dlr", h.DeliveryReport)
}

func NewWebhookHandler(rec Reconciler) *WebhookHandler {
	return &WebhookHandler{rec: rec}
}

func (h *WebhookHandler) DeliveryReport(ctx *xhttp.RequestCtx) {
	sig := string(ctx.Request.Header.Peek(reconciler.SignatureHeader))

	c, cancel := requestContext()
	defer cancel()

	outcome, err := h.rec.Reconcile(c, ctx.PostBody(), sig)
	if err != nil {
		switch {
		case errors.Is(err, reconciler.ErrUnauthorized):
			logger.Warn("receipt with bad signature", "remote", ctx.RemoteIP().String())
			writeError(ctx, xhttp.StatusForbidden, "invalid signature")
		case errors.Is(err, reconciler.ErrInvalidPayload), errors.Is(err, reconciler.ErrUnknownStatus):
			writeError(ctx, xhttp.StatusBadRequest, err.Error())
		default:
			// the provider retries non-2xx receipts
			logger.Error("receipt reconciliation failed", "error", err)
			writeError(ctx, xhttp.StatusServiceUnavailable, "temporarily unavailable")
		}
		return
	}

	status := xhttp.StatusOK
	if outcome == reconciler.NotFound {
		status = xhttp.StatusNotFound
	}
	writeJSON(ctx, status, map[string]string{"outcome": string(outcome)})
}
