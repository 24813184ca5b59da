package handler

import (
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"
	"meter-recharge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// WebhookHandler receives gateway push notifications.
type WebhookHandler struct {
	webhookSvc ports.WebhookIntakeService
	log        zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhookSvc ports.WebhookIntakeService, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc, log: log}
}

// Receive handles POST /api/v1/webhooks/:gateway. Anything past signature
// verification is acknowledged with 200 so the gateway stops redelivering.
func (h *WebhookHandler) Receive(c *gin.Context) {
	gateway := c.Param("gateway")

	header, err := h.webhookSvc.SignatureHeader(gateway)
	if err != nil {
		response.Error(c, err)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	err = h.webhookSvc.HandleWebhook(c.Request.Context(), gateway, body, c.GetHeader(header))
	switch {
	case err == nil:
	case apperror.HasCode(err, apperror.CodeInvalidSignature), apperror.HasCode(err, apperror.CodeNotFound):
		response.Error(c, err)
		return
	default:
		h.log.Error().Err(err).Str("gateway", gateway).Msg("webhook intake failed after authentication")
	}

	response.Ack(c)
}
