package netcache

import (
	"net/http"
	"testing"

	"github.com/pokedex-swift/pokedex-swift/internal/config"
	"github.com/pokedex-swift/pokedex-swift/internal/policy"
)

func TestRulesFromConfigOrdersByPrecedence(t *testing.T) {
	rules, err := RulesFromConfig([]config.OriginConfig{
		{Name: "app", Upstream: "http://localhost:5173", Policy: "app"},
		{Name: "sprites", Upstream: "https://raw.githubusercontent.com", Policy: "cache-first", PathContains: "PokeAPI/sprites"},
		{Name: "pokeapi", Upstream: "https://pokeapi.co/api/v2", Policy: "stale-while-revalidate"},
	})
	if err != nil {
		t.Fatalf("RulesFromConfig error: %v", err)
	}
	order := []string{rules[0].Name, rules[1].Name, rules[2].Name}
	if order[0] != "pokeapi" || order[1] != "sprites" || order[2] != "app" {
		t.Fatalf("unexpected order: %v", order)
	}
	if rules[0].Profile.Key != policy.KeyStaleWhileRevalidate {
		t.Fatalf("unexpected profile: %+v", rules[0].Profile)
	}
	if rules[0].Origin.String() != "https://pokeapi.co" {
		t.Fatalf("origin should drop the path, got %s", rules[0].Origin)
	}
}

func TestRulesFromConfigRejectsUnknownPolicy(t *testing.T) {
	_, err := RulesFromConfig([]config.OriginConfig{{Name: "x", Upstream: "https://x.test", Policy: "bogus"}})
	if err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestRuleMatch(t *testing.T) {
	rules, err := RulesFromConfig([]config.OriginConfig{
		{Name: "sprites", Upstream: "https://raw.githubusercontent.com", Policy: "cache-first", PathContains: "PokeAPI/sprites"},
	})
	if err != nil {
		t.Fatalf("RulesFromConfig error: %v", err)
	}
	cases := map[string]bool{
		"https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/25.png": true,
		"https://raw.githubusercontent.com/other/repo/file.png":                           false,
		"http://raw.githubusercontent.com/PokeAPI/sprites/x.png":                          false,
		"https://RAW.githubusercontent.com/PokeAPI/sprites/x.png":                         true,
	}
	for raw, want := range cases {
		req, _ := http.NewRequest(http.MethodGet, raw, nil)
		if got := rules[0].Match(req); got != want {
			t.Fatalf("Match(%s) = %v, want %v", raw, got, want)
		}
	}
}
