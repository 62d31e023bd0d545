// =============================================================================
// 📦 CORTHEX HQ 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Gateway:    DefaultGatewayConfig(),
		Loop:       DefaultLoopConfig(),
		Delegation: DefaultDelegationConfig(),
		Quality:    DefaultQualityConfig(),
		Memory:     DefaultMemoryConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CallTimeout:     90 * time.Second,
		DefaultCooldown: 60 * time.Second,
	}
}

// DefaultLoopConfig 返回默认循环配置
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:    8,
		ResultCharBudget: 4000,
		WallClock:        5 * time.Minute,
		MaxParallel:      4,
	}
}

// DefaultDelegationConfig 返回默认委派配置
func DefaultDelegationConfig() DelegationConfig {
	return DelegationConfig{
		MaxParallel:  8,
		DebateRounds: 2,
		ReworkLimit:  2,
		TaskTTL:      30 * time.Minute,
	}
}

// DefaultQualityConfig 返回默认质量门配置
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Enabled: false,
	}
}

// DefaultMemoryConfig 返回默认记忆配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		CapPerAgent: 50,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:     false,
		ServiceName: "corthex-hq",
		SampleRate:  1.0,
	}
}
