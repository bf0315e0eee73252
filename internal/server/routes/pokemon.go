package routes

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/pokedex-swift/pokedex-swift/internal/coordinator"
)

const maxBatch = 100

// RegisterPokemonRoutes 挂载视图层使用的数据访问接口。
func RegisterPokemonRoutes(app *fiber.App, coord *coordinator.Coordinator) {
	if app == nil || coord == nil {
		return
	}

	app.Get("/-/api/pokemon", func(c fiber.Ctx) error {
		index, err := coord.Index(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"count": len(index), "results": index})
	})

	app.Get("/-/api/pokemon/page", func(c fiber.Ctx) error {
		offset, err := queryInt(c, "offset", 0)
		if err != nil {
			return badRequest(c, "invalid_offset")
		}
		limit, err := queryInt(c, "limit", 25)
		if err != nil || limit <= 0 || limit > maxBatch {
			return badRequest(c, "invalid_limit")
		}
		docs, err := coord.Page(c.Context(), offset, limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"offset": offset, "limit": limit, "results": docs})
	})

	app.Get("/-/api/pokemon/batch", func(c fiber.Ctx) error {
		ids, err := parseIDs(c.Query("ids"))
		if err != nil || len(ids) == 0 || len(ids) > maxBatch {
			return badRequest(c, "invalid_ids")
		}
		docs, err := coord.Batch(c.Context(), ids)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"results": docs})
	})

	app.Get("/-/api/pokemon/:id", func(c fiber.Ctx) error {
		id, err := strconv.Atoi(c.Params("id"))
		if err != nil || id <= 0 {
			return badRequest(c, "invalid_id")
		}
		doc, err := coord.Pokemon(c.Context(), id)
		if err != nil {
			return writeError(c, err)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(doc)
	})
}

func queryInt(c fiber.Ctx, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, strconv.ErrSyntax
	}
	return value, nil
}

func parseIDs(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id <= 0 {
			return nil, strconv.ErrSyntax
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func badRequest(c fiber.Ctx, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code})
}
