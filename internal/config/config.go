// Package config loads the service configuration from defaults, an optional
// TOML file, and ASSETDIFFBOT_ environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration.
type Config struct {
	Server struct {
		Listen        string `koanf:"listen"`
		WebhookSecret string `koanf:"webhook_secret"`
		// PublicURL is the externally reachable base URL of this service.
		// Rendered image links in reports are built from it.
		PublicURL string `koanf:"public_url"`
	} `koanf:"server"`

	GitHub struct {
		AppID          int64  `koanf:"app_id"`
		PrivateKeyPath string `koanf:"private_key_path"`
	} `koanf:"github"`

	Paths struct {
		// DataDir holds everything the service persists: repo clones, the
		// durable job queue, and rendered images.
		DataDir string `koanf:"data_dir"`
	} `koanf:"paths"`

	Diff struct {
		SpriteExtensions []string `koanf:"sprite_extensions"`
		MapExtensions    []string `koanf:"map_extensions"`
	} `koanf:"diff"`

	Render struct {
		// ToolPath is the external rasterizer binary. It must understand the
		// sprite/map/image subcommands the rendertool package invokes.
		ToolPath string `koanf:"tool_path"`
	} `koanf:"render"`

	Logging struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"logging"`
}

// ReposDir is where repository clones live, one directory per repo ID.
func (c *Config) ReposDir() string { return filepath.Join(c.Paths.DataDir, "repos") }

// QueueDir is the durable job queue's backing directory.
func (c *Config) QueueDir() string { return filepath.Join(c.Paths.DataDir, "queue") }

// OutputDir holds rendered diff images, served under /images.
func (c *Config) OutputDir() string { return filepath.Join(c.Paths.DataDir, "images") }

// LoadConfig loads the configuration from a file.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.listen":          ":8080",
		"paths.data_dir":         "./adbdata",
		"diff.sprite_extensions": []string{".dmi"},
		"diff.map_extensions":    []string{".dmm"},
		"logging.level":          "info",
		"render.tool_path":       "dmrender",
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./adbdata/assetdiffbot.toml", "./assetdiffbot.toml", "$HOME/.assetdiffbot.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix ASSETDIFFBOT_
	k.Load(env.Provider("ASSETDIFFBOT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ASSETDIFFBOT_")), "_", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# AssetDiffBot Configuration

[server]
listen = ":8080"
webhook_secret = "your-webhook-secret"
public_url = "https://assetdiffbot.example.com"

[github]
app_id = 12345
private_key_path = "./adbdata/app-key.pem"

[paths]
data_dir = "./adbdata"

[diff]
sprite_extensions = [".dmi"]
map_extensions = [".dmm"]

[render]
tool_path = "dmrender"

[logging]
level = "info"
pretty = false
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration.
func Validate(config *Config) error {
	if config.Server.WebhookSecret == "" {
		return fmt.Errorf("server webhook_secret is required")
	}

	if config.Server.PublicURL == "" {
		return fmt.Errorf("server public_url is required")
	}

	if config.GitHub.AppID == 0 {
		return fmt.Errorf("github app_id is required")
	}

	if config.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github private_key_path is required")
	}
	if _, err := os.Stat(config.GitHub.PrivateKeyPath); err != nil {
		return fmt.Errorf("github private key not readable: %w", err)
	}

	if len(config.Diff.SpriteExtensions) == 0 && len(config.Diff.MapExtensions) == 0 {
		return fmt.Errorf("at least one sprite or map extension is required")
	}

	if config.Render.ToolPath == "" {
		return fmt.Errorf("render tool_path is required")
	}

	return nil
}
