package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     string `yaml:"port"`
	BindAddr string `yaml:"bindAddr"`

	Namespace     string `yaml:"namespace"`     // namespace holding all file servers
	LabelSelector string `yaml:"labelSelector"` // selector matching managed workloads
	ParentName    string `yaml:"parentName"`    // ConfigMap owning all dynamic resources

	ConsulAddr string `yaml:"consulAddr"` // empty disables the discovery aggregate

	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`
	ProbeInterval     time.Duration `yaml:"probeInterval"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	ProbeConcurrency  int           `yaml:"probeConcurrency"`

	MaxDynamicServers int    `yaml:"maxDynamicServers"`
	NodePortMin       int    `yaml:"nodePortMin"`
	NodePortMax       int    `yaml:"nodePortMax"`
	StorageSize       string `yaml:"storageSize"` // PVC size per dynamic server
	StorageClass      string `yaml:"storageClass"`

	FTPImage  string `yaml:"ftpImage"`
	SFTPImage string `yaml:"sftpImage"`
	NASImage  string `yaml:"nasImage"`

	APIToken       string `yaml:"apiToken"`
	AllowedOrigins string `yaml:"allowedOrigins"`
	AccessJWKSURL  string `yaml:"accessJwksUrl"` // identity proxy JWKS endpoint
	AccessIssuer   string `yaml:"accessIssuer"`
	AccessAudience string `yaml:"accessAudience"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`
}

// Load reads configuration from WHARF_* environment variables, with an
// optional YAML file (WHARF_CONFIG) applied first so env vars win.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     "8840",
		BindAddr: "0.0.0.0",

		Namespace:     "fileservers",
		LabelSelector: "managed-by=wharf",
		ParentName:    "wharf-parent",

		DiscoveryInterval: 10 * time.Second,
		ProbeInterval:     5 * time.Second,
		ProbeTimeout:      3 * time.Second,
		ProbeConcurrency:  8,

		MaxDynamicServers: 20,
		NodePortMin:       30000,
		NodePortMax:       32767,
		StorageSize:       "1Gi",

		FTPImage:  "delfer/alpine-ftp-server:latest",
		SFTPImage: "atmoz/sftp:alpine",
		NASImage:  "dperson/samba:latest",

		LogLevel: "info",
	}

	if path := os.Getenv("WHARF_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.Port = envOr("WHARF_PORT", cfg.Port)
	cfg.BindAddr = envOr("WHARF_BIND_ADDR", cfg.BindAddr)
	cfg.Namespace = envOr("WHARF_NAMESPACE", cfg.Namespace)
	cfg.LabelSelector = envOr("WHARF_LABEL_SELECTOR", cfg.LabelSelector)
	cfg.ParentName = envOr("WHARF_PARENT_NAME", cfg.ParentName)
	cfg.ConsulAddr = envOr("WHARF_CONSUL_ADDR", cfg.ConsulAddr)

	var err error
	if cfg.DiscoveryInterval, err = envDuration("WHARF_DISCOVERY_INTERVAL", cfg.DiscoveryInterval); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval, err = envDuration("WHARF_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = envDuration("WHARF_PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return nil, err
	}
	if cfg.ProbeConcurrency, err = envInt("WHARF_PROBE_CONCURRENCY", cfg.ProbeConcurrency); err != nil {
		return nil, err
	}
	if cfg.MaxDynamicServers, err = envInt("WHARF_MAX_DYNAMIC_SERVERS", cfg.MaxDynamicServers); err != nil {
		return nil, err
	}
	if cfg.NodePortMin, err = envInt("WHARF_NODEPORT_MIN", cfg.NodePortMin); err != nil {
		return nil, err
	}
	if cfg.NodePortMax, err = envInt("WHARF_NODEPORT_MAX", cfg.NodePortMax); err != nil {
		return nil, err
	}

	cfg.StorageSize = envOr("WHARF_STORAGE_SIZE", cfg.StorageSize)
	cfg.StorageClass = envOr("WHARF_STORAGE_CLASS", cfg.StorageClass)
	cfg.FTPImage = envOr("WHARF_FTP_IMAGE", cfg.FTPImage)
	cfg.SFTPImage = envOr("WHARF_SFTP_IMAGE", cfg.SFTPImage)
	cfg.NASImage = envOr("WHARF_NAS_IMAGE", cfg.NASImage)

	cfg.APIToken = envOr("WHARF_API_TOKEN", cfg.APIToken)
	cfg.AllowedOrigins = envOr("WHARF_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.AccessJWKSURL = envOr("WHARF_ACCESS_JWKS_URL", cfg.AccessJWKSURL)
	cfg.AccessIssuer = envOr("WHARF_ACCESS_ISSUER", cfg.AccessIssuer)
	cfg.AccessAudience = envOr("WHARF_ACCESS_AUDIENCE", cfg.AccessAudience)

	cfg.LogLevel = envOr("WHARF_LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("WHARF_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}

	if cfg.NodePortMin >= cfg.NodePortMax {
		return nil, fmt.Errorf("node port range %d-%d is empty", cfg.NodePortMin, cfg.NodePortMax)
	}
	if cfg.ProbeConcurrency < 1 {
		return nil, fmt.Errorf("probe concurrency must be positive, got %d", cfg.ProbeConcurrency)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
