package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"camrelay/internal/autoadjust"
	"camrelay/internal/control"
)

var autoadjustDoZoom bool

var autoadjustCmd = &cobra.Command{
	Use:   "autoadjust",
	Short: "円の直径が目標範囲に入るまで自動調整を1回実行する",
	Long: `ブラウザを使わずに自動調整を1回実行し、結果をJSONで出力する。
成功以外で終わった場合は終了コード1を返す。`,
	RunE: runAutoAdjust,
}

func init() {
	autoadjustCmd.Flags().BoolVar(&autoadjustDoZoom, "do-zoom", false, "開始前に標定ズームを実行する")
	rootCmd.AddCommand(autoadjustCmd)
}

func runAutoAdjust(cmd *cobra.Command, args []string) error {
	client := control.NewClient(cfg.Control)
	poller := control.NewPoller(client, cfg.Control.PollInterval)
	panel := control.NewPanel(client, poller, cfg.Control)
	runner := autoadjust.NewRunner(client, panel, autoadjust.NewSettings(cfg.AutoAdjust))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if autoadjustDoZoom {
		if err := client.DoZoom(ctx); err != nil {
			return fmt.Errorf("標定ズームに失敗しました: %w", err)
		}
	}

	// ズーム量は現在値から決めるので実行中はポーリングを続ける
	if err := poller.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("テレメトリを取得できないままズームのステップ幅で開始します")
	}

	var res autoadjust.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = runner.Run(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	if res.State != autoadjust.StateSuccess {
		return fmt.Errorf("自動調整は成功しませんでした: state=%s reason=%s", res.State, res.Reason)
	}
	return nil
}
