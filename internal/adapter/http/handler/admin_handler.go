package handler

import (
	"meter-recharge/internal/adapter/http/dto"
	"meter-recharge/internal/adapter/http/middleware"
	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/internal/service"
	"meter-recharge/pkg/apperror"
	"meter-recharge/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminHandler serves operator endpoints: login, recovery sweeps and
// single-reference overrides.
type AdminHandler struct {
	authSvc      ports.AdminAuthService
	reconcileSvc ports.ReconciliationService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(authSvc ports.AdminAuthService, reconcileSvc ports.ReconciliationService) *AdminHandler {
	return &AdminHandler{authSvc: authSvc, reconcileSvc: reconcileSvc}
}

// Login handles POST /api/v1/admin/login.
func (h *AdminHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, dto.BindingError(err))
		return
	}

	token, expiry, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.LoginResponse{
		Token:  token,
		Expiry: expiry.Unix(),
	})
}

// RecoverPending handles POST /api/v1/admin/recover-pending. An empty body
// sweeps every pending gateway transaction.
func (h *AdminHandler) RecoverPending(c *gin.Context) {
	var req dto.RecoverPendingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, dto.BindingError(err))
			return
		}
	}

	since, until, err := req.Window()
	if err != nil {
		response.Error(c, dto.BindingError(err))
		return
	}

	trigger := c.GetString(middleware.CtxTrigger)
	if trigger == "" {
		trigger = domain.TriggerAdmin
	}

	report, err := h.reconcileSvc.RecoverPending(c.Request.Context(), ports.RecoverRequest{
		Since:   since,
		Until:   until,
		DryRun:  req.DryRun,
		Trigger: trigger,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// Reconcile handles POST /api/v1/admin/transactions/:reference/reconcile.
// Unresolved outcomes map onto the error taxonomy. An operator reconcile may
// retry a credit left unconfirmed by an earlier attempt.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	reference := c.Param("reference")
	if !dto.IsSafeID(reference) {
		response.Error(c, apperror.Validation("invalid reference"))
		return
	}

	outcome, err := h.reconcileSvc.ReconcileAsOperator(c.Request.Context(), reference, c.GetString(middleware.CtxActor))
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := service.OutcomeError(outcome); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, outcome)
}

// Reopen handles POST /api/v1/admin/transactions/:reference/reopen.
func (h *AdminHandler) Reopen(c *gin.Context) {
	reference := c.Param("reference")
	if !dto.IsSafeID(reference) {
		response.Error(c, apperror.Validation("invalid reference"))
		return
	}

	var req dto.ReopenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, dto.BindingError(err))
		return
	}
	dto.SanitizeStruct(&req)

	tx, err := h.reconcileSvc.Reopen(c.Request.Context(), reference, req.Reason, c.GetString(middleware.CtxActor))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toTransactionResponse(tx))
}

// LastSweep handles GET /api/v1/admin/sweeps/last.
func (h *AdminHandler) LastSweep(c *gin.Context) {
	run, err := h.reconcileSvc.LastSweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, run)
}

func toTransactionResponse(tx *domain.Transaction) dto.TransactionResponse {
	return dto.TransactionResponse{
		Reference:     tx.Reference,
		MeterID:       tx.MeterID,
		AmountMinor:   tx.AmountMinor,
		GatewayStatus: string(tx.GatewayStatus),
		SaleID:        tx.SaleID,
		BuyType:       string(tx.BuyType),
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:     tx.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
