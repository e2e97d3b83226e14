package config

import (
	"github.com/palisade/palisade/internal/rulelog"
	"github.com/palisade/palisade/internal/rules"
)

type Config struct {
	ConfigVersion int             `yaml:"configVersion"`
	Server        ServerConfig    `yaml:"server"`
	Upstreams     []Upstream      `yaml:"upstreams"`
	Engine        EngineConfig    `yaml:"engine"`
	RuleFiles     []string        `yaml:"ruleFiles"`
	Sites         []Site          `yaml:"sites"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
	Logging       LoggingConfig   `yaml:"logging"`
	Metrics       MetricsConfig   `yaml:"metrics"`

	baseDir string `yaml:"-"`
}

type ServerConfig struct {
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type Upstream struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// EngineConfig sets how rules are evaluated and enforced. In detect mode
// the engine still evaluates and logs everything but the gateway never
// enforces a block.
type EngineConfig struct {
	Mode         string        `yaml:"mode"`
	BlockStatus  int           `yaml:"blockStatus"`
	BlockMode    string        `yaml:"blockMode"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	ExecLog      ExecLogConfig `yaml:"execLog"`
	HotReload    bool          `yaml:"hotReload"`
}

// ExecLogConfig selects which execution-trace parts are recorded and which
// results make it into the log.
type ExecLogConfig struct {
	Parts  []string `yaml:"parts"`
	Filter string   `yaml:"filter"`
}

// Site routes a slice of traffic to an upstream and layers its own rule
// files over the main context.
type Site struct {
	ID        string     `yaml:"id"`
	Match     RouteMatch `yaml:"match"`
	Upstream  string     `yaml:"upstream"`
	RuleFiles []string   `yaml:"ruleFiles"`
}

type RouteMatch struct {
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"pathPrefix"`
}

type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Key        string  `yaml:"key"`
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
	StatusCode int     `yaml:"statusCode"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	DecisionLog string `yaml:"decisionLog"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

const (
	ModeEnforce = "enforce"
	ModeDetect  = "detect"
)

const (
	BlockModeAdvisory  = "advisory"
	BlockModePhase     = "phase"
	BlockModeImmediate = "immediate"
)

const (
	RateKeyIP     = "ip"
	RateKeyIPPath = "ip_path"
)

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}

// Resolve turns the validated part and filter names into rulelog values.
// No parts means tracing stays off; no filter means everything is kept.
func (e ExecLogConfig) Resolve() (rulelog.Part, rulelog.Filter) {
	parts, _ := rulelog.ParseParts(e.Parts)
	filter := rulelog.FilterAll
	if e.Filter != "" {
		if f, ok := rulelog.ParseFilter(e.Filter); ok {
			filter = f
		}
	}
	return parts, filter
}

// BlockFlag maps the configured default block mode onto the transaction
// flag an unqualified block action sets.
func (e EngineConfig) BlockFlag() rules.TxFlag {
	switch e.BlockMode {
	case BlockModePhase:
		return rules.TxFlagBlockPhase
	case BlockModeImmediate:
		return rules.TxFlagBlockImmediate
	default:
		return rules.TxFlagBlockAdvisory
	}
}
