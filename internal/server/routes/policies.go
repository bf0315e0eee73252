package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/pokedex-swift/pokedex-swift/internal/policy"
	"github.com/pokedex-swift/pokedex-swift/internal/server"
)

// RegisterPolicyRoutes 暴露 /-/policies 诊断接口，查询缓存策略与来源绑定关系。
func RegisterPolicyRoutes(app *fiber.App, registry *server.OriginRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/policies", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"policies": encodePolicies(policy.List()),
			"origins":  encodeOriginBindings(registry.List()),
		}
		return c.JSON(payload)
	})

	app.Get("/-/policies/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "policy_key_required"})
		}
		profile, ok := policy.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "policy_not_found"})
		}
		return c.JSON(encodePolicy(profile))
	})
}

type policyPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Strategy    string `json:"strategy"`
	Precedence  int    `json:"precedence"`
	Revalidate  bool   `json:"revalidate"`
	LookupAll   bool   `json:"lookup_all_generations"`
	Store       bool   `json:"store_runtime"`
}

type originBindingPayload struct {
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	Upstream     string `json:"upstream"`
	Policy       string `json:"policy"`
	PathContains string `json:"path_contains,omitempty"`
	Port         int    `json:"port"`
}

func encodePolicies(profiles []policy.Profile) []policyPayload {
	if len(profiles) == 0 {
		return nil
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Precedence < profiles[j].Precedence
	})
	result := make([]policyPayload, 0, len(profiles))
	for _, profile := range profiles {
		result = append(result, encodePolicy(profile))
	}
	return result
}

func encodePolicy(profile policy.Profile) policyPayload {
	return policyPayload{
		Key:         profile.Key,
		Description: profile.Description,
		Strategy:    string(profile.Strategy),
		Precedence:  profile.Precedence,
		Revalidate:  profile.Revalidate,
		LookupAll:   profile.LookupAll,
		Store:       profile.Store,
	}
}

func encodeOriginBindings(routes []server.OriginRoute) []originBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]originBindingPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originBindingPayload{
			Name:         route.Config.Name,
			Domain:       route.Config.Domain,
			Upstream:     route.UpstreamURL.String(),
			Policy:       route.Policy.Key,
			PathContains: route.Config.PathContains,
			Port:         route.ListenPort,
		})
	}
	return result
}
