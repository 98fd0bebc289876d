package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// サーバー設定
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Positive(t, cfg.Server.ReadTimeout)
	// WriteTimeout は 0（無効）でも正常
	assert.Zero(t, cfg.Server.WriteTimeout)

	// ストリーム設定
	assert.Equal(t, "ffserver", cfg.Stream.Boundary)
	assert.Equal(t, "tcp", cfg.Stream.Transport)
	assert.Equal(t, 5, cfg.Stream.Quality)
	assert.Equal(t, 10, cfg.Stream.FrameRate)
	assert.Equal(t, 480, cfg.Stream.ScaleHeight)
	assert.Equal(t, 5*time.Minute, cfg.Stream.SessionTimeout)
	assert.Equal(t, 5*time.Second, cfg.Stream.KillGrace)

	// 制御・自動調整
	assert.Equal(t, 200*time.Millisecond, cfg.Control.PollInterval)
	assert.Equal(t, 10, cfg.AutoAdjust.MaxAttempts)
	assert.Equal(t, 300.0, cfg.AutoAdjust.TargetMin)
	assert.Equal(t, 380.0, cfg.AutoAdjust.TargetMax)
}

// TestConfigLoadFile はYAMLファイルからの読み込みをテストする
func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camrelay.yaml")
	content := `
server:
  port: 9000
stream:
  rtsp_url: rtsp://cam.local/stream
  scale_height: 0
  session_timeout: 30s
control:
  base_url: http://control.local:1881
  poll_interval: 500ms
auto_adjust:
  max_attempts: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "rtsp://cam.local/stream", cfg.Stream.RTSPURL)
	assert.Zero(t, cfg.Stream.ScaleHeight)
	assert.Equal(t, 30*time.Second, cfg.Stream.SessionTimeout)
	assert.Equal(t, "http://control.local:1881", cfg.Control.BaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Control.PollInterval)
	assert.Equal(t, 3, cfg.AutoAdjust.MaxAttempts)

	// ファイルに無い値はデフォルトのまま
	assert.Equal(t, "ffserver", cfg.Stream.Boundary)
	assert.Equal(t, 380.0, cfg.AutoAdjust.TargetMax)
}

func TestConfigLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(c *Config)
		expectErr bool
	}{
		{"正常な設定", func(c *Config) {}, false},
		{"無効なポート番号", func(c *Config) { c.Server.Port = 99999 }, true},
		{"RTSP URLなし", func(c *Config) { c.Stream.RTSPURL = "" }, true},
		{"ffmpegパスなし", func(c *Config) { c.Stream.FFmpegPath = "" }, true},
		{"境界文字列なし", func(c *Config) { c.Stream.Boundary = "" }, true},
		{"画質が範囲外", func(c *Config) { c.Stream.Quality = 0 }, true},
		{"フレームレート0", func(c *Config) { c.Stream.FrameRate = 0 }, true},
		{"猶予時間0", func(c *Config) { c.Stream.KillGrace = 0 }, true},
		{"制御URLなし", func(c *Config) { c.Control.BaseURL = "" }, true},
		{"ポーリング間隔0", func(c *Config) { c.Control.PollInterval = 0 }, true},
		{"試行回数0", func(c *Config) { c.AutoAdjust.MaxAttempts = 0 }, true},
		{"目標範囲の逆転", func(c *Config) { c.AutoAdjust.TargetMin = 400 }, true},
		{"無効なログレベル", func(c *Config) { c.Log.Level = "loud" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	assert.Equal(t, "192.168.1.100:9090", cfg.ServerAddress())
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("RTSP_URL", "rtsp://env/stream")
	t.Setenv("CONTROL_BASE_URL", "http://env:1881")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test.example.com", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "rtsp://env/stream", cfg.Stream.RTSPURL)
	assert.Equal(t, "http://env:1881", cfg.Control.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvironmentVariablesInvalidPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
}
