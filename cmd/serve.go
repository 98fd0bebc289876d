package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"camrelay/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "MJPEG中継サーバーと操作パネルを起動する",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	serveCmd.Flags().Int("port", 0, "サーバーのポート (デフォルト: 8090)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	deps := server.NewDeps(cfg)
	srv := server.New(cfg, deps)

	log.Info().
		Str("addr", cfg.ServerAddress()).
		Str("control", cfg.Control.BaseURL).
		Msg("camrelay サーバーを起動します")

	// どちらかが失敗したらもう一方も止める
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return deps.Poller.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}
