package identifier

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/lewtec/plantid/internal/capture"
	"github.com/lewtec/plantid/internal/identify"
	"github.com/lewtec/plantid/internal/logging"
	"github.com/lewtec/plantid/internal/relay"
	"github.com/lewtec/plantid/internal/selector"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv overrides relay.api_key when set
const APIKeyEnv = "GEMINI_API_KEY"

type Config struct {
	Server   ConfigServer   `yaml:"server"`
	Database string         `yaml:"database"`
	Log      logging.Config `yaml:"log"`
	Upload   ConfigUpload   `yaml:"upload"`
	Camera   ConfigCamera   `yaml:"camera"`
	Identify ConfigIdentify `yaml:"identify"`
	Relay    ConfigRelay    `yaml:"relay"`
}

type ConfigServer struct {
	Addr     string `yaml:"addr"`
	Language string `yaml:"language"`
	// SessionTTL is how long an idle visitor session is kept
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type ConfigUpload struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type ConfigCamera struct {
	capture.Constraints `yaml:",inline"`
	JPEGQuality         int `yaml:"jpeg_quality"`
}

type ConfigIdentify struct {
	// Endpoint of the relay; empty means this server's own /api/identify
	Endpoint string        `yaml:"endpoint"`
	Mode     identify.Mode `yaml:"mode"`
	// Timeout of one identification; zero waits indefinitely
	Timeout time.Duration `yaml:"timeout"`
}

type ConfigRelay struct {
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultConfig is the configuration used for keys a file leaves out
func DefaultConfig() *Config {
	return &Config{
		Server: ConfigServer{
			Addr:       ":8080",
			Language:   "en",
			SessionTTL: 30 * time.Minute,
		},
		Database: "plantid.db",
		Log:      logging.Config{Level: "info"},
		Upload:   ConfigUpload{MaxBytes: selector.DefaultMaxBytes},
		Camera: ConfigCamera{
			Constraints: capture.DefaultConstraints,
			JPEGQuality: capture.DefaultQuality,
		},
		Identify: ConfigIdentify{Mode: identify.ModeMultipart},
		Relay: ConfigRelay{
			Model:       relay.DefaultModel,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
	}
}

func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig reads a YAML document over the defaults
func ParseConfig(data []byte) (*Config, error) {
	ret := DefaultConfig()
	if err := yaml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("while parsing config: %w", err)
	}
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		ret.Relay.APIKey = key
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("camera.jpeg_quality must be between 1 and 100, got %d", c.Camera.JPEGQuality)
	}
	switch c.Camera.FacingMode {
	case "user", "environment":
	default:
		return fmt.Errorf("camera.facing_mode must be user or environment, got %q", c.Camera.FacingMode)
	}
	switch c.Identify.Mode {
	case identify.ModeMultipart, identify.ModeJSON:
	default:
		return fmt.Errorf("identify.mode must be multipart or json, got %q", c.Identify.Mode)
	}
	if c.Identify.Timeout < 0 {
		return fmt.Errorf("identify.timeout must not be negative")
	}
	if c.Server.SessionTTL <= 0 {
		return fmt.Errorf("server.session_ttl must be positive")
	}
	return nil
}

// IdentifyEndpoint resolves the relay URL the identification client posts to
func (c *Config) IdentifyEndpoint() string {
	if c.Identify.Endpoint != "" {
		return c.Identify.Endpoint
	}
	host, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return "http://" + c.Server.Addr + "/api/identify"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/identify"
}

// SampleConfig is written by the init command
const SampleConfig = `# plantid configuration file

server:
  # address the web server listens on
  addr: ":8080"
  # default language when the browser sends no Accept-Language (en, pt-BR)
  language: en
  # idle visitor sessions are dropped, and their camera released, after this
  session_ttl: 30m

# sqlite database holding the saved API key
database: plantid.db

log:
  # debug, info, warn or error
  level: info
  development: false

upload:
  # images of this size or larger are rejected (5 MiB)
  max_bytes: 5242880

camera:
  # environment is the rear camera, user the front one
  facing_mode: environment
  width: 1920
  height: 1080
  jpeg_quality: 80

identify:
  # relay the page posts images to; empty uses this server's /api/identify
  endpoint: ""
  # multipart or json
  mode: multipart
  # 0 waits for the model indefinitely
  timeout: 0s

relay:
  model: gemini-2.5-flash
  # used for callers on this machine that send no X-Api-Key; remote callers
  # must bring their own key. GEMINI_API_KEY overrides it
  api_key: ""
  # consecutive model failures before answering "model unavailable"
  max_failures: 5
  open_timeout: 30s
`
