package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/pokedex-swift/pokedex-swift/internal/coordinator"
	"github.com/pokedex-swift/pokedex-swift/internal/entitystore"
	"github.com/pokedex-swift/pokedex-swift/internal/netcache"
)

// writeError 将领域错误映射为 {"error": "<code>"}：上游问题 502，存储问题 503。
func writeError(c fiber.Ctx, err error) error {
	var statusErr *coordinator.UpstreamStatusError
	switch {
	case errors.As(err, &statusErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":           "upstream_status",
			"upstream_status": statusErr.StatusCode,
		})
	case errors.Is(err, netcache.ErrNetworkFetchFailed):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "network_fetch_failed"})
	case errors.Is(err, entitystore.ErrInvalidKey):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	case errors.Is(err, entitystore.ErrStorageUnavailable), errors.Is(err, entitystore.ErrStorageWrite):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
}
