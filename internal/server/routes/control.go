package routes

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/pokedex-swift/pokedex-swift/internal/netcache"
)

// replyTimeout 限制 HTTP 调用方等待控制消息回复的时间。
const replyTimeout = 30 * time.Second

// RegisterControlRoutes 将网络缓存层的控制通道暴露为 /-/sw/* 接口。
func RegisterControlRoutes(app *fiber.App, reg *netcache.Registration) {
	if app == nil || reg == nil {
		return
	}

	app.Post("/-/sw/messages", func(c fiber.Ctx) error {
		var msg netcache.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			return badRequest(c, "invalid_message")
		}
		return awaitReply(c, reg.Post(msg))
	})

	app.Get("/-/sw/stats", func(c fiber.Ctx) error {
		return awaitReply(c, reg.Post(netcache.Message{Type: netcache.MessageGetStats}))
	})

	app.Get("/-/sw/state", func(c fiber.Ctx) error {
		return c.JSON(reg.Status())
	})

	app.Delete("/-/sw/registration", func(c fiber.Ctx) error {
		reg.Unregister()
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func awaitReply(c fiber.Ctx, ch <-chan netcache.Reply) error {
	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		status := fiber.StatusOK
		if !reply.Success {
			status = fiber.StatusUnprocessableEntity
		}
		return c.Status(status).JSON(reply)
	case <-timer.C:
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "reply_timeout"})
	}
}
