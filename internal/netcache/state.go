package netcache

// State 是单个 Worker 的生命周期阶段。
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// MarshalText 让诊断接口直接输出状态名称。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
