package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "tradepost/api/v1"
	"tradepost/internal/config"
	"tradepost/internal/http"
	"tradepost/internal/http/middleware"
)

// publicCORSConfig returns the standard CORS configuration for capture endpoints.
// Capture clients post from other services and browser contexts, so CORS stays
// permissive; authentication happens via the X-API-Key check instead.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, X-API-Key, User-Agent",
}

// MountAppRoutes mounts all application routes using cartridge's route API
func MountAppRoutes(srv *cartridge.Server) {
	cfg := config.GetConfig()

	// Helper to conditionally apply rate limiting (only in production)
	// In development/test, rate limiting would interfere with testing
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// Rate limiter for the capture API (120 requests per minute per IP).
	// Marketplace services batch their events, so sustained per-IP traffic
	// above this indicates a misbehaving producer.
	captureRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(120),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// Get dependencies for middleware
	db := srv.GetDBManager().GetConnection()
	logger := srv.GetLogger()

	// Capture API config: rate limiting + CORS + API key auth.
	// CORS runs first ensuring 401 responses have CORS headers.
	captureAPIConfig := &cartridge.RouteConfig{
		EnableCORS: true,
		CustomMiddleware: []fiber.Handler{
			captureRateLimiter,
			middleware.CaptureAPIKeyAuth(db, logger),
		},
		CORSConfig: publicCORSConfig,
	}

	// Preflight requests carry no API key, so OPTIONS routes skip auth.
	preflightConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		CustomMiddleware: []fiber.Handler{captureRateLimiter},
		CORSConfig:       publicCORSConfig,
	}

	// Health check endpoint
	srv.Get("/_health", http.HealthIndexAction)
	srv.Head("/_health", http.HealthIndexAction)

	// === CAPTURE API ROUTES ===
	srv.Post("/x/api/v1/events", v1.RecordEventAPIHandler, captureAPIConfig)
	srv.Options("/x/api/v1/events", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, preflightConfig)
	srv.Post("/x/api/v1/events/batch", v1.RecordEventBatchAPIHandler, captureAPIConfig)
	srv.Options("/x/api/v1/events/batch", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, preflightConfig)
	srv.Get("/x/api/v1/events/definitions/:name", v1.GetEventDefinitionHandler, captureAPIConfig)
}
