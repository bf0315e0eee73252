package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/pokedex-swift/pokedex-swift/internal/logging"
	"github.com/pokedex-swift/pokedex-swift/internal/netcache"
	"github.com/pokedex-swift/pokedex-swift/internal/server"
)

// Handler 将 Host 路由命中的请求交给网络缓存层（通常是 netcache.Registration），
// 缓存策略的判断全部在 transport 内完成，这里只负责请求/响应在 Fiber 与 net/http 之间的转换。
type Handler struct {
	transport http.RoundTripper
	logger    *logrus.Logger
}

// NewHandler constructs a gateway handler on top of the network cache layer.
func NewHandler(transport http.RoundTripper, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		transport: transport,
		logger:    logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	upstreamURL := resolveUpstreamURL(route.UpstreamURL, c)

	req, err := h.buildUpstreamRequest(c, upstreamURL, route)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, "", started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, err := h.transport.RoundTrip(req)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, "", started, err)
		if errors.Is(err, netcache.ErrNetworkFetchFailed) {
			return h.writeError(c, fiber.StatusBadGateway, "network_fetch_failed")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	cacheStatus := resp.Header.Get(netcache.CacheStatusHeader)
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Pokedex-Upstream", upstreamURL.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, cacheStatus, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, cacheStatus, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, route *server.OriginRoute) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytesReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del(netcache.CacheStatusHeader)
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	upstream string,
	requestID string,
	status int,
	cacheStatus string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Policy.Key,
		cacheStatus,
	)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
