package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the employeest binary.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Database  PostgresConfig  `mapstructure:"database"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Admin     AdminConfig     `mapstructure:"admin"`
	CI        CIConfig        `mapstructure:"ci"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address of the service process.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// URL renders the connection string with the given scheme. pgx accepts
// "postgres", the migrate pgx/v5 driver registers "pgx5". Credentials are
// percent-encoded so any password survives parsing.
func (p PostgresConfig) URL(scheme string) string {
	return p.URLWithParams(scheme, nil)
}

// URLWithParams is URL with extra query parameters, such as session settings
// pgx forwards to the server.
func (p PostgresConfig) URLWithParams(scheme string, extra url.Values) string {
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	for k, vs := range extra {
		q[k] = vs
	}
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.DB,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// BootstrapConfig tunes the entrypoint sequence. Zero timeouts mean the step
// runs without a deadline.
type BootstrapConfig struct {
	MigrateTimeout   time.Duration `mapstructure:"migrate_timeout"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	ReportPath       string        `mapstructure:"report_path"`
	ServeArgs        []string      `mapstructure:"serve_args"`
}

// AdminConfig carries the privileged account credentials. They come from
// DJANGO_SUPERUSER_USERNAME, DJANGO_SUPERUSER_EMAIL and
// DJANGO_SUPERUSER_PASSWORD and are only acted on when all three are set.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// IsComplete reports whether every credential field is present and non-blank.
func (a AdminConfig) IsComplete() bool {
	return strings.TrimSpace(a.Username) != "" &&
		strings.TrimSpace(a.Email) != "" &&
		strings.TrimSpace(a.Password) != ""
}

type CIConfig struct {
	PipelineFile  string   `mapstructure:"pipeline_file"`
	EnvFile       string   `mapstructure:"env_file"`
	Secrets       []string `mapstructure:"secrets"`
	ResultsFile   string   `mapstructure:"results_file"`
	ReportFile    string   `mapstructure:"report_file"`
	RetentionDays int      `mapstructure:"retention_days"`
	ArtifactDir   string   `mapstructure:"artifact_dir"`
	SiteDir       string   `mapstructure:"site_dir"`
	S3            S3Config `mapstructure:"s3"`
}

// S3Config selects remote storage for CI artifacts and the published report.
// Empty bucket names fall back to the local directories in CIConfig.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	ArtifactBucket string `mapstructure:"artifact_bucket"`
	ArtifactPrefix string `mapstructure:"artifact_prefix"`
	SiteBucket     string `mapstructure:"site_bucket"`
	SitePrefix     string `mapstructure:"site_prefix"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the EMPLOYEEST_ prefix (e.g. EMPLOYEEST_SERVER_PORT).
// The admin credentials keep their historical DJANGO_SUPERUSER_* names.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EMPLOYEEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"admin.username": "DJANGO_SUPERUSER_USERNAME",
		"admin.email":    "DJANGO_SUPERUSER_EMAIL",
		"admin.password": "DJANGO_SUPERUSER_PASSWORD",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "employeest-be")
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("database.host", "db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "employeest")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db", "employeest")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("bootstrap.migrate_timeout", 5*time.Minute)
	v.SetDefault("bootstrap.provision_timeout", 30*time.Second)
	v.SetDefault("bootstrap.report_path", "")
	v.SetDefault("bootstrap.serve_args", []string{"serve"})

	v.SetDefault("admin.username", "")
	v.SetDefault("admin.email", "")
	v.SetDefault("admin.password", "")

	v.SetDefault("ci.pipeline_file", "")
	v.SetDefault("ci.env_file", ".env")
	v.SetDefault("ci.secrets", []string{
		"SECRET_KEY",
		"QUICK_CHART_API_URL",
		"DJANGO_SUPERUSER_USERNAME",
		"DJANGO_SUPERUSER_EMAIL",
		"DJANGO_SUPERUSER_PASSWORD",
	})
	v.SetDefault("ci.results_file", "test-results.json")
	v.SetDefault("ci.report_file", "test-report.html")
	v.SetDefault("ci.retention_days", 30)
	v.SetDefault("ci.artifact_dir", "artifacts")
	v.SetDefault("ci.site_dir", "site")
	v.SetDefault("ci.s3.region", "us-east-1")
	v.SetDefault("ci.s3.endpoint", "")
	v.SetDefault("ci.s3.force_path_style", false)
	v.SetDefault("ci.s3.artifact_bucket", "")
	v.SetDefault("ci.s3.site_bucket", "")
	v.SetDefault("ci.s3.artifact_prefix", "test-results")
	v.SetDefault("ci.s3.site_prefix", "")
}
