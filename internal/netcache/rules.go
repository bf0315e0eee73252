package netcache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pokedex-swift/pokedex-swift/internal/config"
	"github.com/pokedex-swift/pokedex-swift/internal/policy"
)

// Rule 将一个上游来源（scheme + host，可选路径标记）绑定到缓存策略。
type Rule struct {
	Name         string
	Origin       *url.URL
	PathContains string
	Profile      policy.Profile
}

// Match 判断请求是否属于该来源。
func (r Rule) Match(req *http.Request) bool {
	if req == nil || req.URL == nil || r.Origin == nil {
		return false
	}
	if !strings.EqualFold(req.URL.Scheme, r.Origin.Scheme) || !strings.EqualFold(req.URL.Host, r.Origin.Host) {
		return false
	}
	if r.PathContains != "" && !strings.Contains(req.URL.Path, r.PathContains) {
		return false
	}
	return true
}

// RulesFromConfig 将 [[Origin]] 配置转换为按优先级排序的路由规则。
func RulesFromConfig(origins []config.OriginConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(origins))
	for _, origin := range origins {
		profile, ok := policy.Resolve(origin.Policy)
		if !ok {
			return nil, fmt.Errorf("origin %s: unknown policy %q", origin.Name, origin.Policy)
		}
		parsed, err := url.Parse(origin.Upstream)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("origin %s: invalid upstream %q", origin.Name, origin.Upstream)
		}
		rules = append(rules, Rule{
			Name:         origin.Name,
			Origin:       &url.URL{Scheme: parsed.Scheme, Host: parsed.Host},
			PathContains: origin.PathContains,
			Profile:      profile,
		})
	}
	SortRules(rules)
	return rules, nil
}

// SortRules 按策略优先级排序；同优先级时带路径标记的规则先评估。
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Profile.Precedence != rules[j].Profile.Precedence {
			return rules[i].Profile.Precedence < rules[j].Profile.Precedence
		}
		return rules[i].PathContains != "" && rules[j].PathContains == ""
	})
}

func matchRule(rules []Rule, req *http.Request) (Rule, bool) {
	for _, rule := range rules {
		if rule.Match(req) {
			return rule, true
		}
	}
	return Rule{}, false
}
