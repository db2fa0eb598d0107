package handlers

import (
	"fmt"

	"tokopay/internal/models"
	"tokopay/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// AdminHandler exposes the back-office operations: fulfillment, refund completion and cash
// collection.
type AdminHandler struct {
	orders   *services.OrderService
	payments *services.PaymentService
	validate *validator.Validate
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(orders *services.OrderService, payments *services.PaymentService) *AdminHandler {
	return &AdminHandler{orders: orders, payments: payments, validate: validator.New()}
}

// RegisterRoutes registers the admin routes. router must be behind AuthRequired and
// RequireRole(models.RoleAdmin).
func (h *AdminHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/orders/:id/advance", h.HandleAdvance)
	router.Post("/orders/:id/refund-complete", h.HandleRefundComplete)
	router.Post("/payments/:merchantTransactionId/settle", h.HandleSettle)
}

// AdvanceRequest names the fulfillment status to move an order to.
type AdvanceRequest struct {
	Status models.OrderStatus `json:"status" validate:"required,oneof=processing shipped delivered"`
}

// HandleAdvance moves a paid order one fulfillment step forward.
func (h *AdminHandler) HandleAdvance(c *fiber.Ctx) error {
	var req AdvanceRequest
	if ok, err := parseBody(c, h.validate, &req); !ok {
		return err
	}

	order, err := h.orders.AdvanceFulfillment(c.UserContext(), c.Params("id"), req.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Order %s status updated successfully to %s", order.ID, order.Status),
		"order":   order,
	})
}

// HandleRefundComplete records a refund paid back outside the store.
func (h *AdminHandler) HandleRefundComplete(c *fiber.Ctx) error {
	order, err := h.orders.CompleteRefund(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Refund recorded",
		"order":   order,
	})
}

// HandleSettle records collection of a cash on delivery payment.
func (h *AdminHandler) HandleSettle(c *fiber.Ctx) error {
	order, err := h.payments.SettleCashPayment(c.UserContext(), c.Params("merchantTransactionId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Cash payment settled",
		"order":   order,
	})
}
