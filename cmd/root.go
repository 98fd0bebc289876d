// Package cmd は camrelay のコマンドラインを実装する
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"camrelay/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "camrelay",
	Short: "RTSPカメラのMJPEG中継と操作パネル",
	Long: `RTSPカメラの映像をクライアントごとにffmpegでMJPEGへ変換して中継し、
デバイス制御API経由でズーム・フォーカスの手動操作と自動調整を行う。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		cfg.Log.Configure()
		return nil
	},
}

// Execute はルートコマンドを実行する
// SIGINT/SIGTERM でコマンドのコンテキストがキャンセルされる
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix("CAMRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "設定ファイル (YAML)")
	pf.String("log-level", "", "ログレベル (debug, info, warn, error)")
	pf.String("rtsp-url", "", "RTSPソースのURL")
	pf.String("control-url", "", "制御APIのベースURL")

	_ = viper.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("stream.rtsp_url", pf.Lookup("rtsp-url"))
	_ = viper.BindPFlag("control.base_url", pf.Lookup("control-url"))
}

// loadConfig は設定ファイルと環境変数を読み込み、フラグと CAMRELAY_* で上書きする
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.GetString("config")
	}

	c, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	applyOverrides(c)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗しました: %w", err)
	}
	return c, nil
}

// applyOverrides はviperに設定された値で上書きする
func applyOverrides(c *config.Config) {
	if v := viper.GetString("server.host"); v != "" {
		c.Server.Host = v
	}
	if v := viper.GetInt("server.port"); v != 0 {
		c.Server.Port = v
	}
	if v := viper.GetString("stream.rtsp_url"); v != "" {
		c.Stream.RTSPURL = v
	}
	if v := viper.GetString("stream.ffmpeg_path"); v != "" {
		c.Stream.FFmpegPath = v
	}
	if v := viper.GetString("control.base_url"); v != "" {
		c.Control.BaseURL = v
	}
	if v := viper.GetString("log.level"); v != "" {
		c.Log.Level = v
	}
}
