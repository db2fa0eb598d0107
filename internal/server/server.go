// Package server assembles the services and the Fiber application from their collaborators.
package server

import (
	"context"
	"time"

	"tokopay/internal/config"
	"tokopay/internal/gateway"
	"tokopay/internal/handlers"
	"tokopay/internal/middleware"
	"tokopay/internal/models"
	"tokopay/internal/notify"
	"tokopay/internal/repositories"
	"tokopay/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Deps are the collaborators the server is built from. Publisher and Mailer may be nil; events are
// then skipped and emails are not sent.
type Deps struct {
	Config    *config.Config
	DB        *gorm.DB
	Registry  *gateway.Registry
	Publisher services.Publisher
	Mailer    notify.Mailer
}

// Server holds the Fiber app and the services behind it.
type Server struct {
	App      *fiber.App
	Auth     *services.AuthService
	Products *services.ProductService
	Ledger   *services.PaymentLedger
	Orders   *services.OrderService
	Payments *services.PaymentService

	db        *gorm.DB
	publisher services.Publisher
}

// New wires repositories, services and handlers.
func New(deps Deps) *Server {
	productRepo := repositories.NewGORMProductRepository(deps.DB)
	orderRepo := repositories.NewGORMOrderRepository(deps.DB)
	paymentRepo := repositories.NewGORMPaymentRepository(deps.DB)
	userRepo := repositories.NewGORMUserRepository(deps.DB)

	s := &Server{db: deps.DB, publisher: deps.Publisher}
	s.Auth = services.NewAuthService(userRepo, deps.Config.JWTSecret)
	s.Products = services.NewProductService(productRepo)
	s.Ledger = services.NewPaymentLedger(paymentRepo)
	s.Orders = services.NewOrderService(orderRepo, productRepo, userRepo, s.Ledger, deps.Publisher, deps.Mailer, deps.Config.DefaultCurrency)
	s.Payments = services.NewPaymentService(deps.Registry, s.Ledger, s.Orders)

	s.App = fiber.New(fiber.Config{AppName: "tokopay"})
	s.App.Use(logger.New())

	s.App.Get("/health", s.handleHealth)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(s.Auth)
	productHandler := handlers.NewProductHandler(s.Products)
	orderHandler := handlers.NewOrderHandler(s.Orders)
	paymentHandler := handlers.NewPaymentHandler(s.Payments, deps.Registry)
	adminHandler := handlers.NewAdminHandler(s.Orders, s.Payments)

	apiV1 := s.App.Group("/api/v1")

	// Public routes are registered before the authenticated group so they match first.
	authHandler.RegisterRoutes(apiV1)
	paymentHandler.RegisterCallbackRoutes(apiV1)

	protected := apiV1.Group("", middleware.AuthRequired(s.Auth))
	productHandler.RegisterRoutes(protected)
	orderHandler.RegisterRoutes(protected)
	paymentHandler.RegisterRoutes(protected)

	admin := protected.Group("/admin", middleware.RequireRole(models.RoleAdmin))
	adminHandler.RegisterRoutes(admin)

	return s
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := fiber.StatusOK
	body := fiber.Map{
		"status":   "healthy",
		"time":     time.Now().Format(time.RFC3339),
		"database": "connected",
		"rabbitmq": "connected",
	}
	if s.publisher == nil {
		body["rabbitmq"] = "disabled"
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		status = fiber.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database"] = err.Error()
	}
	return c.Status(status).JSON(body)
}
