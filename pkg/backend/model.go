package backend

import "strings"

// Execution strategies select a model variant from a base alias
const (
	StrategyHighPerformance = "high_performance"
	StrategyPowerSaving     = "power_saving"
	StrategyManual          = "manual"
)

// Devices for StrategyManual
const (
	DeviceCPU    = "cpu"
	DeviceGPU    = "gpu"
	DeviceNPU    = "npu"
	DeviceWebGPU = "webgpu"
)

var deviceSuffixes = map[string]string{
	DeviceCPU:    "-generic-cpu",
	DeviceGPU:    "-generic-cuda",
	DeviceNPU:    "-generic-qnn",
	DeviceWebGPU: "-generic-webgpu",
}

// ResolveModel maps a model alias to the variant for a strategy.
// high_performance (or empty) keeps the alias, power_saving pins the CPU
// build, and manual replaces any device suffix with the one for device.
func ResolveModel(alias, strategy, device string) string {
	switch strings.ToLower(strategy) {
	case StrategyPowerSaving:
		if hasSuffixFold(alias, deviceSuffixes[DeviceCPU]) {
			return alias
		}
		return alias + deviceSuffixes[DeviceCPU]
	case StrategyManual:
		suffix, ok := deviceSuffixes[strings.ToLower(device)]
		if !ok {
			suffix = deviceSuffixes[DeviceCPU]
		}
		for _, s := range deviceSuffixes {
			if hasSuffixFold(alias, s) {
				alias = alias[:len(alias)-len(s)]
				break
			}
		}
		return alias + suffix
	default:
		return alias
	}
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}
