package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultUpstreamURL is the inference router the forwarding handler targets.
const DefaultUpstreamURL = "https://router.huggingface.co"

// DefaultModelID is the text-to-image model requested from the router.
const DefaultModelID = "stabilityai/stable-diffusion-xl-base-1.0"

// UpstreamModelsPath is the router path prefix under which models are served.
const UpstreamModelsPath = "/hf-inference/models"

// ServerConfig holds configuration for the imagerelay server.
type ServerConfig struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	UpstreamURL    string        `yaml:"upstream_url" validate:"required,url"`
	ModelID        string        `yaml:"model_id" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" validate:"gt=0"`
	CacheImmutable bool          `yaml:"cache_immutable"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	RedisAddr      string        `yaml:"redis_addr"`
	AdminKey       string        `yaml:"admin_key"`
	DevProxy       bool          `yaml:"dev_proxy"`
	DevProxyPrefix string        `yaml:"dev_proxy_prefix" validate:"required,startswith=/"`
	RateLimit      float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst      int           `yaml:"rate_burst" validate:"gte=0"`
	InstanceID     string        `yaml:"instance_id"`
}

// SetDefaults initializes c with built-in defaults. It is meant to run on a
// zero ServerConfig before the file, environment and flags are applied.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.UpstreamURL == "" {
		c.UpstreamURL = DefaultUpstreamURL
	}
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
	c.CacheImmutable = true
	if c.DevProxyPrefix == "" {
		c.DevProxyPrefix = "/hf-image"
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID()
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// ResolveMetricsAddr points MetricsAddr at the API port when no metrics port
// was configured. Call it once the file, environment and flags are applied.
func (c *ServerConfig) ResolveMetricsAddr() {
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
}

// MetricsOnAPIPort reports whether /metrics is served by the API listener.
func (c *ServerConfig) MetricsOnAPIPort() bool {
	return c.MetricsAddr == "" || c.MetricsAddr == fmt.Sprintf(":%d", c.Port)
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "relay-" + uuid.NewString()[:8]
	}
	return host
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("HF_API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("UPSTREAM_URL", ""); v != "" {
		c.UpstreamURL = v
	}
	if v := GetEnv("MODEL_ID", ""); v != "" {
		c.ModelID = v
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("MAX_BODY_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
	if v := GetEnv("CACHE_IMMUTABLE", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.CacheImmutable = b
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("ADMIN_KEY", ""); v != "" {
		c.AdminKey = v
	}
	if v := GetEnv("DEV_PROXY", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DevProxy = b
		}
	}
	if v := GetEnv("DEV_PROXY_PREFIX", ""); v != "" {
		c.DevProxyPrefix = v
	}
	if v := GetEnv("RATE_LIMIT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit = f
		}
	}
	if v := GetEnv("RATE_BURST", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateBurst = n
		}
	}
	if v := GetEnv("INSTANCE_ID", ""); v != "" {
		c.InstanceID = v
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current config
// values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "hf-api-key", c.APIKey, "inference API credential injected into upstream calls")
	fs.StringVar(&c.UpstreamURL, "upstream-url", c.UpstreamURL, "inference router base URL")
	fs.StringVar(&c.ModelID, "model", c.ModelID, "text-to-image model id")
	fs.Func("request-timeout", "upstream request timeout in seconds (0 inherits the HTTP stack default)", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum accepted request body size")
	fs.BoolVar(&c.CacheImmutable, "cache-immutable", c.CacheImmutable, "mark generated images as immutable for a year")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state")
	fs.StringVar(&c.AdminKey, "admin-key", c.AdminKey, "bearer key required for /api/state; leave empty to disable auth")
	fs.BoolVar(&c.DevProxy, "dev-proxy", c.DevProxy, "mount the development rewrite proxy")
	fs.StringVar(&c.DevProxyPrefix, "dev-proxy-prefix", c.DevProxyPrefix, "local path prefix rewritten to the upstream models path")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "generation requests per second allowed per client IP (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst size for the per-client rate limit")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "identifier reported in the server state")
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate checks the resolved configuration. A missing APIKey is not an error:
// the forwarding handler reports it per request.
func (c *ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("invalid config: RequestTimeout must not be negative")
	}
	return nil
}

// Endpoint returns the full upstream URL for the configured model.
func (c *ServerConfig) Endpoint() string {
	return strings.TrimRight(c.UpstreamURL, "/") + UpstreamModelsPath + "/" + strings.Trim(c.ModelID, "/")
}

var validate = validator.New()

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
