package excess

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	defaults "github.com/Paranoid-AF/excess/default"
)

// Config represents the client configuration.
type Config struct {
	Version   int             `toml:"version"`
	Daemon    DaemonConfig    `toml:"daemon"`
	Transport TransportConfig `toml:"transport"`
	Cache     CacheConfig     `toml:"cache"`
	Log       LogConfig       `toml:"log"`
}

// DaemonConfig describes where the daemon listens.
type DaemonConfig struct {
	SocketPath     string `toml:"socket_path"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	UseTLS         bool   `toml:"use_tls"`
	CertPath       string `toml:"cert_path"`
	KeyPath        string `toml:"key_path"`
	CAPath         string `toml:"ca_path"`
	APIVersion     string `toml:"api_version"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// TransportConfig holds the framing limits.
type TransportConfig struct {
	MaxResponseBytes int  `toml:"max_response_bytes"`
	MaxHeaderBytes   int  `toml:"max_header_bytes"`
	MaxFrameBytes    int  `toml:"max_frame_bytes"`
	StrictFrames     bool `toml:"strict_frames"`
	ReuseConnection  bool `toml:"reuse_connection"`
}

// CacheConfig holds settings for the container ID cache.
type CacheConfig struct {
	IDCacheTTLSeconds int `toml:"id_cache_ttl_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Debug bool `toml:"debug"`
}

// ConfigDir returns the config directory path.
// Resolution order: $EXCESS_CONFIG_DIR > $XDG_CONFIG_HOME/excess > ~/.config/excess
func ConfigDir() string {
	if dir := os.Getenv("EXCESS_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "excess")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "excess-config")
	}
	return filepath.Join(home, ".config", "excess")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if err := toml.Unmarshal(defaults.DefaultConfigTOML, &cfg); err != nil {
		panic("excess: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from ConfigPath or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path. A missing file yields defaults;
// fields absent from the file keep their default values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Decoding over the defaults leaves keys the file omits untouched.
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the standard DOCKER_* environment variables onto cfg.
//
//	DOCKER_HOST         unix:///path/to.sock or tcp://host[:port]
//	DOCKER_TLS_VERIFY   any non-empty value enables TLS
//	DOCKER_CERT_PATH    directory holding cert.pem, key.pem and ca.pem
//	DOCKER_API_VERSION  API version prefix, e.g. 1.41
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		switch {
		case strings.HasPrefix(dockerHost, "unix://"):
			cfg.Daemon.SocketPath = strings.TrimPrefix(dockerHost, "unix://")
			cfg.Daemon.Host = ""
		case strings.HasPrefix(dockerHost, "tcp://"):
			if err := SetHost(cfg, dockerHost); err != nil {
				return fmt.Errorf("DOCKER_HOST: %w", err)
			}
		default:
			return fmt.Errorf("DOCKER_HOST: unsupported scheme in %q", dockerHost)
		}
	}
	if os.Getenv("DOCKER_TLS_VERIFY") != "" {
		cfg.Daemon.UseTLS = true
	}
	if certPath := os.Getenv("DOCKER_CERT_PATH"); certPath != "" {
		cfg.Daemon.CertPath = certPath
	}
	if version := os.Getenv("DOCKER_API_VERSION"); version != "" {
		cfg.Daemon.APIVersion = version
	}
	return nil
}

// SetHost points cfg at a TCP daemon. addr is host[:port], optionally
// prefixed with tcp://.
func SetHost(cfg *Config, addr string) error {
	host, port, err := splitHostPort(strings.TrimPrefix(addr, "tcp://"), cfg.Daemon.Port)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("no host in %q", addr)
	}
	cfg.Daemon.Host = host
	cfg.Daemon.Port = port
	return nil
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	hostport = strings.TrimSuffix(hostport, "/")
	if !strings.Contains(hostport, ":") || strings.HasSuffix(hostport, "]") {
		return strings.Trim(hostport, "[]"), defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if cfg.Daemon.UseTLS && cfg.Daemon.Host == "" {
		warnings = append(warnings, "use_tls is enabled but no TCP host is configured; TLS only applies to tcp connections")
	}
	if cfg.Daemon.Host == "" && cfg.Daemon.SocketPath == "" {
		warnings = append(warnings, "neither socket_path nor host is configured")
	}
	if cfg.Daemon.UseTLS {
		for _, p := range []string{CertFile(cfg), KeyFile(cfg), CAFile(cfg)} {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				warnings = append(warnings, fmt.Sprintf("TLS file %s is not readable: %v", p, err))
			}
		}
	}
	if cfg.Transport.MaxHeaderBytes > 0 && cfg.Transport.MaxHeaderBytes < 1024 {
		warnings = append(warnings, "max_header_bytes below 1024 will reject ordinary daemon responses")
	}
	if cfg.Transport.MaxFrameBytes <= 0 {
		warnings = append(warnings, "max_frame_bytes is 0; a stream may buffer a frame of any declared size")
	}
	return warnings
}

// ResolveSocketPath returns the Unix socket path.
// Priority: $EXCESS_SOCKET env > config value.
func ResolveSocketPath(cfg *Config) string {
	if path := os.Getenv("EXCESS_SOCKET"); path != "" {
		return path
	}
	if cfg != nil {
		return cfg.Daemon.SocketPath
	}
	return ""
}

// Timeout returns the per-call timeout, or zero for none.
func Timeout(cfg *Config) time.Duration {
	if cfg == nil || cfg.Daemon.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.Daemon.TimeoutSeconds) * time.Second
}

// IDCacheTTL returns how long resolved container IDs stay cached.
func IDCacheTTL(cfg *Config) time.Duration {
	if cfg == nil || cfg.Cache.IDCacheTTLSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.Cache.IDCacheTTLSeconds) * time.Second
}

// CertFile returns the client certificate path under cert_path.
func CertFile(cfg *Config) string {
	return tlsFile(cfg, "cert.pem")
}

// KeyFile returns the client key path.
func KeyFile(cfg *Config) string {
	if cfg != nil && cfg.Daemon.KeyPath != "" {
		return cfg.Daemon.KeyPath
	}
	return tlsFile(cfg, "key.pem")
}

// CAFile returns the CA bundle path.
func CAFile(cfg *Config) string {
	if cfg != nil && cfg.Daemon.CAPath != "" {
		return cfg.Daemon.CAPath
	}
	return tlsFile(cfg, "ca.pem")
}

// tlsFile resolves name under cert_path. cert_path may also point directly
// at a certificate file, in which case it is returned for cert.pem.
func tlsFile(cfg *Config, name string) string {
	if cfg == nil || cfg.Daemon.CertPath == "" {
		return ""
	}
	info, err := os.Stat(cfg.Daemon.CertPath)
	if err == nil && !info.IsDir() {
		if name == "cert.pem" {
			return cfg.Daemon.CertPath
		}
		return ""
	}
	return filepath.Join(cfg.Daemon.CertPath, name)
}
