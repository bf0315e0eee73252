package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/pokedex-swift/pokedex-swift/internal/coordinator"
	"github.com/pokedex-swift/pokedex-swift/internal/entitystore"
)

// RegisterEntityRoutes 暴露实体缓存的维护接口。store 为 nil（降级模式）时统一返回 503。
func RegisterEntityRoutes(app *fiber.App, store entitystore.Store, coord *coordinator.Coordinator) {
	if app == nil {
		return
	}
	unavailable := func(c fiber.Ctx) error {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
	}

	app.Get("/-/entities/stats", func(c fiber.Ctx) error {
		if store == nil {
			return unavailable(c)
		}
		stats, err := store.Stats(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(stats)
	})

	app.Post("/-/entities/sweep", func(c fiber.Ctx) error {
		if store == nil {
			return unavailable(c)
		}
		deleted, err := store.SweepExpired(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"deleted": deleted})
	})

	app.Post("/-/entities/clear", func(c fiber.Ctx) error {
		if store == nil {
			return unavailable(c)
		}
		if err := store.Clear(c.Context()); err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"success": true})
	})

	app.Delete("/-/entities/:key", func(c fiber.Ctx) error {
		if store == nil || coord == nil {
			return unavailable(c)
		}
		key, err := entitystore.ParseKey(c.Params("key"))
		if err != nil {
			return writeError(c, err)
		}
		if err := coord.Invalidate(c.Context(), key); err != nil {
			return writeError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
