// =============================================================================
// 📦 CORTHEX HQ 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("corthex.yaml").
//	    WithEnvPrefix("CORTHEX").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 智能体层级树是一次性加载的静态配置，畸形的树（环、悬空引用）
// 直接让启动失败。
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kodonghui/CORTHEX-HQ-sub001/agent"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 CORTHEX HQ 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Gateway 推理网关配置
	Gateway GatewayConfig `yaml:"gateway" env:"GATEWAY"`

	// Loop 工具调用循环配置
	Loop LoopConfig `yaml:"loop" env:"LOOP"`

	// Delegation 委派引擎配置
	Delegation DelegationConfig `yaml:"delegation" env:"DELEGATION"`

	// Quality 质量门配置
	Quality QualityConfig `yaml:"quality" env:"QUALITY"`

	// Memory 智能体记忆配置
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Agents 智能体层级树（仅 YAML，不支持环境变量）
	Agents []AgentConfig `yaml:"agents" env:"-"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// GatewayConfig 推理网关配置
type GatewayConfig struct {
	// 后端列表（按优先级）
	Backends []BackendConfig `yaml:"backends" env:"-"`
	// 模型名前缀 → 后端名（最长前缀优先）
	ModelPrefixes map[string]string `yaml:"model_prefixes" env:"-"`
	// 单次后端调用超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// 后端耗尽后的默认冷却窗口
	DefaultCooldown time.Duration `yaml:"default_cooldown" env:"DEFAULT_COOLDOWN"`
}

// BackendConfig 单个后端配置
type BackendConfig struct {
	// 名称（路由键）
	Name string `yaml:"name"`
	// 协议族: strict-object, no-union, unrestricted
	Family string `yaml:"family"`
	// 基础 URL（为空使用各适配器默认值）
	BaseURL string `yaml:"base_url"`
	// API Key 所在的环境变量名（不在配置文件里放密钥）
	APIKeyEnv string `yaml:"api_key_env"`
	// 失败转移到该后端时的默认模型
	DefaultModel string `yaml:"default_model"`
	// 该后端可提供的最高推理深度
	MaxReasoning string `yaml:"max_reasoning"`
	// 模型默认温度（no-union 族的 model-default 采样用）
	DefaultTemperature float32 `yaml:"default_temperature"`
	// 优先级，越小越优先
	Priority int `yaml:"priority"`
	// 本地 QPS 限速（0 不限制）
	QPS float64 `yaml:"qps"`
	// 限流后的冷却窗口（0 使用网关默认值）
	Cooldown time.Duration `yaml:"cooldown"`
}

// LoopConfig 工具调用循环配置
type LoopConfig struct {
	// 最大模型往返次数
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// 单条工具结果的字符预算
	ResultCharBudget int `yaml:"result_char_budget" env:"RESULT_CHAR_BUDGET"`
	// 整个循环的墙钟上限
	WallClock time.Duration `yaml:"wall_clock" env:"WALL_CLOCK"`
	// 并行执行工具调用的并发上限
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`
}

// DelegationConfig 委派引擎配置
type DelegationConfig struct {
	// 分支扇出并发上限
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`
	// 辩论轮数
	DebateRounds int `yaml:"debate_rounds" env:"DEBATE_ROUNDS"`
	// 质量门拒绝后的最大返工次数
	ReworkLimit int `yaml:"rework_limit" env:"REWORK_LIMIT"`
	// 终态任务保留时长
	TaskTTL time.Duration `yaml:"task_ttl" env:"TASK_TTL"`
	// 分类模型（为空使用协调者模型）
	ClassifierModel string `yaml:"classifier_model" env:"CLASSIFIER_MODEL"`
}

// QualityConfig 质量门配置
type QualityConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 评审模型
	Model string `yaml:"model" env:"MODEL"`
	// 通过阈值（0 使用默认量表阈值）
	Threshold float64 `yaml:"threshold" env:"THRESHOLD"`
}

// MemoryConfig 智能体记忆配置
type MemoryConfig struct {
	// 每个智能体保留的记忆条数
	CapPerAgent int `yaml:"cap_per_agent" env:"CAP_PER_AGENT"`
	// 记忆抽取模型（为空关闭抽取）
	ExtractModel string `yaml:"extract_model" env:"EXTRACT_MODEL"`
}

// AgentConfig 单个智能体配置
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Tier         string   `yaml:"tier"`
	Model        string   `yaml:"model"`
	Reasoning    string   `yaml:"reasoning"`
	Tools        []string `yaml:"tools"`
	Superior     string   `yaml:"superior"`
	Subordinates []string `yaml:"subordinates"`
	Persona      string   `yaml:"persona"`
	AutoSpawn    bool     `yaml:"auto_spawn"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CORTHEX",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 内置校验（层级树、后端族）
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 5. 运行自定义验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验与转换
// =============================================================================

// Validate 验证配置。层级树与后端族的错误在这里 fail-fast。
func (c *Config) Validate() error {
	if len(c.Gateway.Backends) == 0 {
		return types.NewError(types.ErrConfigInvalid, "gateway requires at least one backend")
	}
	for _, b := range c.Gateway.Backends {
		if b.Name == "" {
			return types.NewError(types.ErrConfigInvalid, "backend has empty name")
		}
		if !types.BackendFamily(b.Family).Valid() {
			return types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("backend %q has unknown family %q", b.Name, b.Family))
		}
		if b.MaxReasoning != "" && !types.ReasoningDepth(b.MaxReasoning).Valid() {
			return types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("backend %q has unknown max_reasoning %q", b.Name, b.MaxReasoning))
		}
	}
	if len(c.Agents) > 0 {
		if _, err := agent.BuildTree(c.AgentDefinitions()); err != nil {
			return err
		}
	}
	return nil
}

// AgentDefinitions 转换为 agent 包的声明列表。
func (c *Config) AgentDefinitions() []agent.Definition {
	out := make([]agent.Definition, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, agent.Definition{
			ID:           a.ID,
			Name:         a.Name,
			Tier:         agent.Tier(a.Tier),
			Model:        a.Model,
			Reasoning:    types.ReasoningDepth(a.Reasoning),
			Tools:        a.Tools,
			Superior:     a.Superior,
			Subordinates: a.Subordinates,
			Persona:      a.Persona,
			AutoSpawn:    a.AutoSpawn,
		})
	}
	return out
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
