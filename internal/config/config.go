package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/joho/godotenv"
	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/spf13/viper"
)

// ErrConfiguration marks a missing or invalid setting. Nothing is probed
// when Load returns it.
var ErrConfiguration = errors.New("configuration error")

// PlaceholderPassword ships in sample configuration; running with it is
// always a mistake.
const PlaceholderPassword = "YOUR_PASSWORD_HERE"

const (
	PolicyBlock  = "block"
	PolicyReject = "reject"
)

type Config struct {
	Endpoint  EndpointConfig  `mapstructure:"endpoint"`
	Session   SessionConfig   `mapstructure:"session"`
	Backends  []BackendConfig `mapstructure:"backends"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Setup     []string        `mapstructure:"setup"`
	Probes    []ProbeConfig   `mapstructure:"probes"`
	Run       RunConfig       `mapstructure:"run"`
	Targets   TargetsConfig   `mapstructure:"targets"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type EndpointConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	SSLMode        string `mapstructure:"sslmode"`
}

type SessionConfig struct {
	AcquirePolicy  string        `mapstructure:"acquire_policy"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type BackendConfig struct {
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
	Role    string `mapstructure:"role"`
}

type DiscoveryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProbeConfig struct {
	Name         string   `mapstructure:"name"`
	Kind         string   `mapstructure:"kind"`
	ExpectedRole string   `mapstructure:"expected_role"`
	SQL          string   `mapstructure:"sql"`
	Statements   []string `mapstructure:"statements"`
	Args         []any    `mapstructure:"args"`

	// StatementArgs lists the arguments of each statement of a
	// transactional probe, in statement order.
	StatementArgs [][]any `mapstructure:"statement_args"`
	CaptureWAL    bool    `mapstructure:"capture_wal"`
}

type RunConfig struct {
	ProbeTimeout          time.Duration `mapstructure:"probe_timeout"`
	Parallelism           int           `mapstructure:"parallelism"`
	MaxConnectionFailures int           `mapstructure:"max_connection_failures"`
	Interval              time.Duration `mapstructure:"interval"`
	Retry                 RetryConfig   `mapstructure:"retry"`
}

type TargetsConfig struct {
	Postgres   []PostgresTarget   `mapstructure:"postgres"`
	ClickHouse []ClickHouseTarget `mapstructure:"clickhouse"`
	Redis      []RedisTarget      `mapstructure:"redis"`
	NATS       []NATSTarget       `mapstructure:"nats"`
}

type TargetBase struct {
	Name  string      `mapstructure:"name"`
	Retry RetryConfig `mapstructure:"retry"`
}

type PostgresTarget struct {
	TargetBase       `mapstructure:",squash"`
	ConnectionString string `mapstructure:"connection_string"`
	Table            string `mapstructure:"table"`
}

type ClickHouseTarget struct {
	TargetBase       `mapstructure:",squash"`
	ConnectionString string `mapstructure:"connection_string"`
	Table            string `mapstructure:"table"`
}

type RedisTarget struct {
	TargetBase       `mapstructure:",squash"`
	ConnectionString string        `mapstructure:"connection_string"`
	KeyPattern       string        `mapstructure:"key_pattern"` // e.g. "routecheck:{{.RunID}}"
	Expiration       time.Duration `mapstructure:"expiration"`
}

type NATSTarget struct {
	TargetBase `mapstructure:",squash"`
	URL        string `mapstructure:"url"`
	Subject    string `mapstructure:"subject"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

func (r *RetryConfig) setDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.Backoff == 0 {
		r.Backoff = 100 * time.Millisecond
	}
}

type TelemetryConfig struct {
	Address     string `mapstructure:"address"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	PushGateway string `mapstructure:"push_gateway"`
	Job         string `mapstructure:"job"`
}

// LoadOption adjusts settings after every source has been read.
type LoadOption func(v *viper.Viper)

// ForceDiscovery enables pool_nodes discovery whatever the sources say.
func ForceDiscovery() LoadOption {
	return func(v *viper.Viper) { v.Set("discovery.enabled", true) }
}

// Load reads the optional dotenv file, the optional config file and the
// ROUTECHECK_* environment, in that order of increasing precedence.
func Load(configPath, envFile string, opts ...LoadOption) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("ROUTECHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Endpoint keys have no defaults, so AutomaticEnv alone would never see
	// them. libpq variables are honoured as a fallback.
	bindings := map[string][]string{
		"endpoint.host":     {"ROUTECHECK_ENDPOINT_HOST", "PGHOST"},
		"endpoint.port":     {"ROUTECHECK_ENDPOINT_PORT", "PGPORT"},
		"endpoint.database": {"ROUTECHECK_ENDPOINT_DATABASE", "PGDATABASE"},
		"endpoint.user":     {"ROUTECHECK_ENDPOINT_USER", "PGUSER"},
		"endpoint.password": {"ROUTECHECK_ENDPOINT_PASSWORD", "PGPASSWORD"},
		"endpoint.sslmode":  {"ROUTECHECK_ENDPOINT_SSLMODE", "PGSSLMODE"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	// Defaults
	v.SetDefault("endpoint.port", 5432)
	v.SetDefault("endpoint.database", "postgres")
	v.SetDefault("endpoint.max_connections", 10)
	v.SetDefault("session.acquire_policy", PolicyBlock)
	v.SetDefault("session.acquire_timeout", 5*time.Second)
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.timeout", 5*time.Second)
	v.SetDefault("run.probe_timeout", 10*time.Second)
	v.SetDefault("run.parallelism", 1)
	v.SetDefault("run.max_connection_failures", 3)
	v.SetDefault("run.interval", 30*time.Second)
	v.SetDefault("telemetry.address", ":9090")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_format", "json")
	v.SetDefault("telemetry.job", "routecheck")

	// Read config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
	}

	for _, opt := range opts {
		opt(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrConfiguration, err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("%w: failed to load env file %s: %v", ErrConfiguration, path, err)
		}
		return nil
	}
	// An implicit .env is optional.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("%w: failed to load .env: %v", ErrConfiguration, err)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if len(c.Probes) == 0 {
		c.Probes = DefaultProbes()
		if len(c.Setup) == 0 {
			c.Setup = DefaultSetup()
		}
	}
	if c.Run.Parallelism <= 0 {
		c.Run.Parallelism = 1
	}
	c.Run.Retry.setDefaults()

	for i := range c.Targets.Postgres {
		if c.Targets.Postgres[i].Table == "" {
			c.Targets.Postgres[i].Table = "routecheck_results"
		}
		c.Targets.Postgres[i].Retry.setDefaults()
	}
	for i := range c.Targets.ClickHouse {
		if c.Targets.ClickHouse[i].Table == "" {
			c.Targets.ClickHouse[i].Table = "routecheck_results"
		}
		c.Targets.ClickHouse[i].Retry.setDefaults()
	}
	for i := range c.Targets.Redis {
		if c.Targets.Redis[i].KeyPattern == "" {
			c.Targets.Redis[i].KeyPattern = "routecheck:{{.RunID}}"
		}
		c.Targets.Redis[i].Retry.setDefaults()
	}
	for i := range c.Targets.NATS {
		if c.Targets.NATS[i].Subject == "" {
			c.Targets.NATS[i].Subject = "routecheck.reports"
		}
		c.Targets.NATS[i].Retry.setDefaults()
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	e := c.Endpoint
	if e.Host == "" {
		return invalid("endpoint.host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return invalid("endpoint.port %d is out of range", e.Port)
	}
	if e.Database == "" {
		return invalid("endpoint.database is required")
	}
	if e.User == "" {
		return invalid("endpoint.user is required")
	}
	if e.Password == "" {
		return invalid("endpoint.password is required")
	}
	if e.Password == PlaceholderPassword {
		return invalid("endpoint.password is still set to the placeholder %q", PlaceholderPassword)
	}
	if e.MaxConnections < 1 {
		return invalid("endpoint.max_connections must be at least 1")
	}

	switch c.Session.AcquirePolicy {
	case PolicyBlock, PolicyReject:
	default:
		return invalid("session.acquire_policy must be %q or %q, got %q", PolicyBlock, PolicyReject, c.Session.AcquirePolicy)
	}
	if c.Session.AcquireTimeout <= 0 {
		return invalid("session.acquire_timeout must be positive")
	}
	if c.Run.ProbeTimeout <= 0 {
		return invalid("run.probe_timeout must be positive")
	}
	// Probes beyond the bound would fail to get a session at once and count
	// as connection failures.
	if c.Session.AcquirePolicy == PolicyReject && c.Run.Parallelism > e.MaxConnections {
		return invalid("run.parallelism %d exceeds endpoint.max_connections %d under the %q acquire policy",
			c.Run.Parallelism, e.MaxConnections, PolicyReject)
	}

	if len(c.Backends) == 0 && !c.Discovery.Enabled {
		return invalid("at least one backend must be configured unless discovery is enabled")
	}
	if _, err := c.TypedBackends(); err != nil {
		return err
	}
	if _, err := c.TypedProbes(); err != nil {
		return err
	}

	for i, t := range c.Targets.Postgres {
		if t.Name == "" {
			return invalid("targets.postgres[%d].name is required", i)
		}
		if t.ConnectionString == "" {
			return invalid("targets.postgres[%d].connection_string is required", i)
		}
	}
	for i, t := range c.Targets.ClickHouse {
		if t.Name == "" {
			return invalid("targets.clickhouse[%d].name is required", i)
		}
		if t.ConnectionString == "" {
			return invalid("targets.clickhouse[%d].connection_string is required", i)
		}
	}
	for i, t := range c.Targets.Redis {
		if t.Name == "" {
			return invalid("targets.redis[%d].name is required", i)
		}
		if t.ConnectionString == "" {
			return invalid("targets.redis[%d].connection_string is required", i)
		}
	}
	for i, t := range c.Targets.NATS {
		if t.Name == "" {
			return invalid("targets.nats[%d].name is required", i)
		}
		if t.URL == "" {
			return invalid("targets.nats[%d].url is required", i)
		}
	}

	return nil
}

func (c *Config) TypedEndpoint() types.Endpoint {
	return types.Endpoint{
		Host:           c.Endpoint.Host,
		Port:           c.Endpoint.Port,
		Database:       c.Endpoint.Database,
		User:           c.Endpoint.User,
		Password:       c.Endpoint.Password,
		MaxConnections: c.Endpoint.MaxConnections,
		SSLMode:        c.Endpoint.SSLMode,
	}
}

// TypedBackends converts the configured topology. Duplicate addresses are
// left for the role map to reject.
func (c *Config) TypedBackends() ([]types.Backend, error) {
	out := make([]types.Backend, 0, len(c.Backends))
	for i, b := range c.Backends {
		if b.Address == "" {
			return nil, invalid("backends[%d].address is required", i)
		}
		role, err := types.ParseRole(b.Role)
		if err != nil {
			return nil, invalid("backends[%d]: %v", i, err)
		}
		if role == types.RoleUnknown {
			return nil, invalid("backends[%d]: role must be primary or standby", i)
		}
		out = append(out, types.Backend{Address: b.Address, Name: b.Name, Role: role})
	}
	return out, nil
}

func (c *Config) TypedProbes() ([]types.Probe, error) {
	seen := make(map[string]bool, len(c.Probes))
	out := make([]types.Probe, 0, len(c.Probes))
	for i, p := range c.Probes {
		if p.Name == "" {
			return nil, invalid("probes[%d].name is required", i)
		}
		if seen[p.Name] {
			return nil, invalid("probes[%d]: duplicate probe name %q", i, p.Name)
		}
		seen[p.Name] = true

		kind, err := types.ParseKind(p.Kind)
		if err != nil {
			return nil, invalid("probes[%d]: %v", i, err)
		}
		role, err := types.ParseRole(p.ExpectedRole)
		if err != nil {
			return nil, invalid("probes[%d]: %v", i, err)
		}

		statements := p.Statements
		if p.SQL != "" {
			statements = append([]string{p.SQL}, statements...)
		}
		switch {
		case len(statements) == 0:
			return nil, invalid("probes[%d]: sql or statements is required", i)
		case kind != types.KindTransactional && len(statements) != 1:
			return nil, invalid("probes[%d]: %s probes take exactly one statement", i, kind)
		}
		switch {
		case len(p.StatementArgs) > 0 && kind != types.KindTransactional:
			return nil, invalid("probes[%d]: statement_args is only valid for transactional probes, use args", i)
		case len(p.StatementArgs) > 0 && len(p.Args) > 0:
			return nil, invalid("probes[%d]: args and statement_args are mutually exclusive", i)
		case len(p.StatementArgs) > 0 && len(p.StatementArgs) != len(statements):
			return nil, invalid("probes[%d]: statement_args has %d entries for %d statements", i, len(p.StatementArgs), len(statements))
		case len(p.Args) > 0 && len(statements) > 1:
			return nil, invalid("probes[%d]: args bind to a single statement, use statement_args for each statement", i)
		}
		for j, s := range statements {
			if _, err := template.New("stmt").Parse(s); err != nil {
				return nil, invalid("probes[%d].statements[%d]: %v", i, j, err)
			}
		}

		out = append(out, types.Probe{
			Name:          p.Name,
			Kind:          kind,
			ExpectedRole:  role,
			Statements:    statements,
			Args:          p.Args,
			StatementArgs: p.StatementArgs,
			CaptureWAL:    p.CaptureWAL,
		})
	}
	return out, nil
}
