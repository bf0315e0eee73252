// Package policy 聚合网络缓存层可用的按来源缓存策略，并提供统一的注册入口。
//
// 每个策略由 Profile 描述：
//   1. Strategy 决定命中/未命中时如何混合缓存与实时响应；
//   2. Precedence 决定同一请求同时匹配多个来源规则时的评估顺序；
//   3. Revalidate/LookupAll/Store 描述后台再验证、跨 generation 查找与写回 runtime 的行为。
//
// 内置策略在 init() 中注册，配置中的 [[Origin]].Policy 通过 Resolve 查找。
package policy
