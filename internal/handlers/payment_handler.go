package handlers

import (
	"log"
	"strings"

	"tokopay/internal/apperr"
	"tokopay/internal/gateway"
	"tokopay/internal/middleware"
	"tokopay/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// PaymentHandler handles payment initiation, gateway callbacks and payment status lookups.
type PaymentHandler struct {
	service  *services.PaymentService
	registry *gateway.Registry
	validate *validator.Validate
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(service *services.PaymentService, registry *gateway.Registry) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		registry: registry,
		validate: validator.New(),
	}
}

// RegisterCallbackRoutes registers the provider callback endpoint. Providers do not carry user
// tokens, so router must not require authentication; the callback signature authenticates them.
func (h *PaymentHandler) RegisterCallbackRoutes(router fiber.Router) {
	router.Post("/payments/:provider/callback", h.HandleCallback)
}

// RegisterRoutes registers the authenticated payment routes.
func (h *PaymentHandler) RegisterRoutes(router fiber.Router) {
	paymentRoutes := router.Group("/payments")
	paymentRoutes.Post("/:provider/initiate", h.HandleInitiate)
	paymentRoutes.Get("/:merchantTransactionId/status", h.HandleStatus)
}

// HandleInitiate opens a payment for an order with the provider named in the path.
func (h *PaymentHandler) HandleInitiate(c *fiber.Ctx) error {
	var req services.InitiateRequest
	if ok, err := parseBody(c, h.validate, &req); !ok {
		return err
	}

	resp, err := h.service.Initiate(c.UserContext(), middleware.ActorFrom(c), c.Params("provider"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleCallback verifies and applies a provider notification. The response never reveals the
// payment state; a processed or repeated callback gets the same answer.
func (h *PaymentHandler) HandleCallback(c *fiber.Ctx) error {
	provider := strings.ToLower(c.Params("provider"))
	adapter, err := h.registry.Get(provider)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Unknown payment provider",
		})
	}

	// fasthttp reuses the body buffer once the handler returns.
	raw := append([]byte(nil), c.Body()...)
	decision, err := h.service.HandleCallback(c.UserContext(), provider, raw, c.Get(adapter.SignatureHeader()))
	if err != nil {
		status := statusFor(apperr.KindOf(err))
		if status == fiber.StatusConflict {
			log.Printf("Callback from %s left for investigation: %v", provider, err)
		} else {
			log.Printf("Callback from %s rejected: %v", provider, err)
		}
		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"message": callbackMessage(status),
		})
	}

	log.Printf("Callback from %s processed (%s)", provider, decision)
	return c.JSON(fiber.Map{"success": true})
}

// callbackMessage is the only detail a provider gets back about a failed callback.
func callbackMessage(status int) string {
	switch {
	case status == fiber.StatusConflict:
		return "callback conflict"
	case status >= fiber.StatusInternalServerError:
		return "callback not processed"
	default:
		return "callback rejected"
	}
}

// HandleStatus returns a payment owned by the caller.
func (h *PaymentHandler) HandleStatus(c *fiber.Ctx) error {
	payment, err := h.service.Status(c.UserContext(), middleware.ActorFrom(c), c.Params("merchantTransactionId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(payment)
}
