// Package config loads the JSON configuration shared by the control tower
// binaries.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Workflow  WorkflowConfig   `json:"workflow"`
	Events    EventsConfig     `json:"events"`
	Agents    AgentsConfig     `json:"agents"`
	Vision    VisionConfig     `json:"vision"`
	Catalog   CatalogConfig    `json:"catalog"`
	Providers []ProviderConfig `json:"providers"`
	Gateway   GatewayConfig    `json:"gateway"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Telemetry TelemetryConfig  `json:"telemetry"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	StaticDir       string   `json:"static_dir"`
	TestImagesDir   string   `json:"test_images_dir"`
	CORSOrigins     []string `json:"cors_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type WorkflowConfig struct {
	MaxImageBytes int64    `json:"max_image_bytes"`
	StageTimeout  Duration `json:"stage_timeout"`
	StagePause    Duration `json:"stage_pause"`
}

type EventsConfig struct {
	ObserverBuffer int `json:"observer_buffer"`
	History        int `json:"history"`
}

// Agent modes.
const (
	ModeRemote = "remote" // talk A2A to a separate agent process
	ModeLocal  = "local"  // run the capability in-process
)

type AgentsConfig struct {
	VisionURL    string   `json:"vision_url"`
	SupplierURL  string   `json:"supplier_url"`
	VisionMode   string   `json:"vision_mode"`
	SupplierMode string   `json:"supplier_mode"`
	DiscoveryTTL Duration `json:"discovery_ttl"`
}

type VisionConfig struct {
	Role             string   `json:"role"`
	Model            string   `json:"model"`
	StructuringModel string   `json:"structuring_model"`
	MaxImageKB       int      `json:"max_image_kb"`
	MaxRetries       int      `json:"max_retries"`
	RetryInitial     Duration `json:"retry_initial"`
}

// Catalog backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
	BackendNeo4j    = "neo4j"
)

type CatalogConfig struct {
	Backend    string `json:"backend"`
	SeedFile   string `json:"seed_file"`
	TopK       int    `json:"top_k"`
	Collection string `json:"collection"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
	// Roles binds this provider to the named roles ("vision").
	Roles []string `json:"roles,omitempty"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
	Webhook WebhookGatewayConfig `json:"webhook"`
}

type WebhookGatewayConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
	Insecure     bool   `json:"insecure"`
	ServiceName  string `json:"service_name"`
}

// Duration is a time.Duration written in JSON as "500ms" or as a number of
// seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config JSON after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Workflow.MaxImageBytes == 0 {
		c.Workflow.MaxImageBytes = 10 << 20
	}
	if c.Workflow.StageTimeout == 0 {
		c.Workflow.StageTimeout = Duration(120 * time.Second)
	}
	if c.Events.ObserverBuffer == 0 {
		c.Events.ObserverBuffer = 64
	}
	if c.Events.History == 0 {
		c.Events.History = 100
	}
	if c.Agents.VisionMode == "" {
		c.Agents.VisionMode = ModeRemote
	}
	if c.Agents.SupplierMode == "" {
		c.Agents.SupplierMode = ModeRemote
	}
	if c.Vision.Role == "" {
		c.Vision.Role = "vision"
	}
	if c.Vision.MaxImageKB == 0 {
		c.Vision.MaxImageKB = 2048
	}
	if c.Catalog.Backend == "" {
		c.Catalog.Backend = BackendMemory
	}
	if c.Catalog.TopK == 0 {
		c.Catalog.TopK = 1
	}
	if c.Catalog.Collection == "" {
		c.Catalog.Collection = "inventory"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "control-tower"
	}
}

// Validate reports every inconsistency in the config at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Workflow.MaxImageBytes < 0 {
		errs = append(errs, errors.New("workflow.max_image_bytes must be positive"))
	}
	if c.Workflow.StageTimeout < 0 || c.Workflow.StagePause < 0 {
		errs = append(errs, errors.New("workflow durations must not be negative"))
	}
	if c.Agents.DiscoveryTTL < 0 {
		errs = append(errs, errors.New("agents.discovery_ttl must not be negative"))
	}

	for name, mode := range map[string]string{"vision_mode": c.Agents.VisionMode, "supplier_mode": c.Agents.SupplierMode} {
		if mode != ModeRemote && mode != ModeLocal {
			errs = append(errs, fmt.Errorf("agents.%s must be %q or %q, got %q", name, ModeRemote, ModeLocal, mode))
		}
	}
	if c.Agents.VisionMode == ModeRemote && c.Agents.VisionURL == "" {
		errs = append(errs, errors.New("agents.vision_url is required in remote mode"))
	}
	if c.Agents.SupplierMode == ModeRemote && c.Agents.SupplierURL == "" {
		errs = append(errs, errors.New("agents.supplier_url is required in remote mode"))
	}

	switch c.Catalog.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("database.postgres.dsn is required for the postgres backend"))
		}
	case BackendQdrant:
		if c.Database.Qdrant.Host == "" {
			errs = append(errs, errors.New("database.qdrant.host is required for the qdrant backend"))
		}
	case BackendNeo4j:
		if c.Database.Neo4j.URI == "" {
			errs = append(errs, errors.New("database.neo4j.uri is required for the neo4j backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.backend %q unknown", c.Catalog.Backend))
	}
	if c.Catalog.TopK < 1 {
		errs = append(errs, errors.New("catalog.top_k must be at least 1"))
	}

	if c.Gateway.Slack.Enabled && (c.Gateway.Slack.BotToken == "" || c.Gateway.Slack.Channel == "") {
		errs = append(errs, errors.New("gateway.slack needs bot_token and channel"))
	}
	if c.Gateway.Discord.Enabled && (c.Gateway.Discord.BotToken == "" || c.Gateway.Discord.ChannelID == "") {
		errs = append(errs, errors.New("gateway.discord needs bot_token and channel_id"))
	}
	if c.Gateway.Webhook.Enabled && c.Gateway.Webhook.URL == "" {
		errs = append(errs, errors.New("gateway.webhook needs url"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}
