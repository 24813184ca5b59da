package handler

import (
	"meter-recharge/internal/adapter/http/dto"
	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"
	"meter-recharge/pkg/response"

	"github.com/gin-gonic/gin"
)

// PaymentHandler serves the customer-facing recharge flow.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc}
}

// Initialize handles POST /api/v1/payments/initialize.
func (h *PaymentHandler) Initialize(c *gin.Context) {
	var req dto.InitializePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, dto.BindingError(err))
		return
	}
	dto.SanitizeStruct(&req)

	in := ports.InitializePaymentRequest{
		MeterID:       req.MeterID,
		AmountMinor:   req.AmountMinor,
		BuyType:       domain.BuyType(req.BuyType),
		CustomerEmail: req.Email,
	}
	if req.Phone != nil {
		in.CustomerPhone = *req.Phone
	}

	result, err := h.paymentSvc.Initialize(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.InitializePaymentResponse{
		Reference:        result.Reference,
		AuthorizationURL: result.AuthorizationURL,
		AccessCode:       result.AccessCode,
	})
}

// Verify handles GET /api/v1/payments/:reference/verify. It always answers
// with the best-known state; only unknown references are errors.
func (h *PaymentHandler) Verify(c *gin.Context) {
	reference := c.Param("reference")
	if !dto.IsSafeID(reference) {
		response.Error(c, apperror.Validation("invalid reference"))
		return
	}

	status, err := h.paymentSvc.GetStatus(c.Request.Context(), reference)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, status)
}
