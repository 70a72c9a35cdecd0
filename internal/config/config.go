package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	OutputDir string `envconfig:"OUTPUT_DIR" default:"."`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`

	// Shared cache backing the credential pool and token manager. The
	// "memory" backend is process local; "sqlite" can be shared by several
	// worker processes through a common database file.
	CacheBackend string `envconfig:"CACHE_BACKEND" default:"memory"`
	CachePath    string `envconfig:"CACHE_PATH" default:"geocollect.db"`

	CatalogPath string `envconfig:"CATALOG_PATH" default:"catalog.db"`

	MaxWorkers       int           `envconfig:"MAX_WORKERS" default:"2"`
	AccountLimit     int           `envconfig:"ACCOUNT_LIMIT" default:"2"`
	TokenPoolSize    int           `envconfig:"TOKEN_POOL_SIZE" default:"2"`
	SkipChecksum     bool          `envconfig:"SKIP_CHECKSUM" default:"false"`
	ShowProgress     bool          `envconfig:"SHOW_PROGRESS" default:"false"`
	DownloadTimeout  time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"600s"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"90s"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"10"`
	MetricsBindAddr  string        `envconfig:"METRICS_BIND_ADDR"`

	Dataspace struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		TokenURL string `split_words:"true" default:"https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"`
		ClientID string `split_words:"true" default:"cdse-public"`
		APIURL   string `envconfig:"DATASPACE_API_URL" default:"https://catalogue.dataspace.copernicus.eu/odata/v1"`
	}

	Creodias struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		TokenURL string `split_words:"true" default:"https://identity.cloudferro.com/auth/realms/Creodias-new/protocol/openid-connect/token"`
		ClientID string `split_words:"true" default:"CLOUDFERRO_PUBLIC"`
		APIURL   string `envconfig:"CREODIAS_API_URL" default:"https://datahub.creodias.eu/resto/api"`
	}

	Onda struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		APIURL   string `envconfig:"ONDA_API_URL" default:"https://catalogue.onda-dias.eu/dias-catalogue/Products"`
	}

	USGS struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		APIURL   string `envconfig:"USGS_API_URL" default:"https://m2m.cr.usgs.gov/api/api/json/stable"`
	}

	STAC struct {
		URL         string `split_words:"true"`
		AccessToken string `split_words:"true"`
	}

	Landsat struct {
		Bucket string `split_words:"true" default:"usgs-landsat"`
		Region string `split_words:"true" default:"us-west-2"`
	}

	// Accounts holds extra "user:password" pairs for providers that support
	// round-robin over several registered accounts.
	Accounts []string `envconfig:"ACCOUNTS"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("GEOCOLLECT", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
