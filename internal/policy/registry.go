package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func newRegistry() *registry {
	return &registry{profiles: make(map[string]Profile)}
}

// Register 将策略加入全局注册表，重复键会返回错误。
func Register(profile Profile) error {
	return globalRegistry.register(profile)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(profile Profile) {
	if err := Register(profile); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的策略。
func Resolve(key string) (Profile, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的策略列表。
func List() []Profile {
	return globalRegistry.list()
}

// Keys 返回所有已注册策略的键值，供配置校验提示使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, profile := range items {
		result[i] = profile.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(profile Profile) error {
	key := normalizeKey(profile.Key)
	if key == "" {
		return fmt.Errorf("policy key is required")
	}
	if profile.Strategy == "" {
		return fmt.Errorf("policy %s: strategy is required", key)
	}
	profile.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[key]; exists {
		return fmt.Errorf("policy %s already registered", key)
	}
	r.profiles[key] = profile
	return nil
}

func (r *registry) resolve(key string) (Profile, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Profile{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[normalized]
	return profile, ok
}

func (r *registry) list() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.profiles) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.profiles))
	for key := range r.profiles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Profile, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.profiles[key])
	}
	return result
}
