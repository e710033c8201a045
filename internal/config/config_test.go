package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err, "explicit missing config file should fail")

	cfg, err = LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "./adbdata", cfg.Paths.DataDir)
	assert.Equal(t, []string{".dmi"}, cfg.Diff.SpriteExtensions)
	assert.Equal(t, []string{".dmm"}, cfg.Diff.MapExtensions)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "dmrender", cfg.Render.ToolPath)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assetdiffbot.toml")
	content := `
[server]
listen = ":9090"
webhook_secret = "shh"
public_url = "https://diffs.example.com"

[github]
app_id = 777
private_key_path = "/tmp/key.pem"

[diff]
sprite_extensions = [".dmi", ".png"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "shh", cfg.Server.WebhookSecret)
	assert.Equal(t, "https://diffs.example.com", cfg.Server.PublicURL)
	assert.Equal(t, int64(777), cfg.GitHub.AppID)
	assert.Equal(t, []string{".dmi", ".png"}, cfg.Diff.SpriteExtensions)
	// File did not touch map extensions, defaults survive.
	assert.Equal(t, []string{".dmm"}, cfg.Diff.MapExtensions)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ASSETDIFFBOT_SERVER_LISTEN", ":7070")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{}
	cfg.Paths.DataDir = "/var/lib/adb"

	assert.Equal(t, "/var/lib/adb/repos", cfg.ReposDir())
	assert.Equal(t, "/var/lib/adb/queue", cfg.QueueDir())
	assert.Equal(t, "/var/lib/adb/images", cfg.OutputDir())
}

func TestValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	valid := func() *Config {
		cfg := &Config{}
		cfg.Server.WebhookSecret = "shh"
		cfg.Server.PublicURL = "https://diffs.example.com"
		cfg.GitHub.AppID = 777
		cfg.GitHub.PrivateKeyPath = keyPath
		cfg.Diff.SpriteExtensions = []string{".dmi"}
		cfg.Render.ToolPath = "dmrender"
		return cfg
	}

	require.NoError(t, Validate(valid()))

	cfg := valid()
	cfg.Server.WebhookSecret = ""
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.Server.PublicURL = ""
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.GitHub.AppID = 0
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.GitHub.PrivateKeyPath = filepath.Join(t.TempDir(), "nope.pem")
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.Diff.SpriteExtensions = nil
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.Render.ToolPath = ""
	assert.Error(t, Validate(cfg))
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetdiffbot.toml")

	require.NoError(t, InitConfig(path))
	require.Error(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), cfg.GitHub.AppID)
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}
