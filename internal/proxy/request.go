package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v3"

	"github.com/pokedex-swift/pokedex-swift/internal/server"
)

// resolveUpstreamURL 将请求路径与查询串拼接到来源 Upstream 上。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := string(uri.Path())
	if clean == "" {
		clean = "/"
	}
	relative := &url.URL{Path: clean}
	if raw := uri.QueryString(); len(raw) > 0 {
		relative.RawQuery = string(raw)
	}
	return base.ResolveReference(relative)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
