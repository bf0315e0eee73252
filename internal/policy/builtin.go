package policy

// 内置策略键，配置中的 [[Origin]].Policy 取其一。
const (
	KeyStaleWhileRevalidate = "stale-while-revalidate"
	KeyCacheFirst           = "cache-first"
	KeyApp                  = "app"
	KeyNetworkOnly          = "network-only"
)

func init() {
	MustRegister(Profile{
		Key:         KeyStaleWhileRevalidate,
		Description: "Serve cached API responses immediately and refresh them in the background",
		Strategy:    StrategyStaleWhileRevalidate,
		Precedence:  10,
		Revalidate:  true,
		Store:       true,
	})
	MustRegister(Profile{
		Key:         KeyCacheFirst,
		Description: "Serve immutable assets such as sprites from cache, fetch and store only on miss",
		Strategy:    StrategyCacheFirst,
		Precedence:  20,
		Store:       true,
	})
	MustRegister(Profile{
		Key:         KeyApp,
		Description: "Application origin: match static and runtime generations, fall back to network",
		Strategy:    StrategyCacheFirstNetworkFallback,
		Precedence:  30,
		LookupAll:   true,
		Store:       true,
	})
	MustRegister(Profile{
		Key:         KeyNetworkOnly,
		Description: "Pass requests through without touching any generation",
		Strategy:    StrategyNetworkOnly,
		Precedence:  40,
	})
}
