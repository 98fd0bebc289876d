package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"camrelay/internal/stream"
)

var snapshotOutput string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "RTSPソースから静止画を1枚取得する",
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "snapshot.jpg", "出力ファイル (- で標準出力)")
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	snap := stream.NewSnapshotter(stream.NewOptions(cfg.Stream), cfg.Stream.SnapshotTimeout)

	data, err := snap.Capture(cmd.Context())
	if err != nil {
		return fmt.Errorf("静止画の取得に失敗しました: %w", err)
	}

	if snapshotOutput == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(snapshotOutput, data, 0o644); err != nil {
		return fmt.Errorf("静止画の保存に失敗しました: %w", err)
	}

	log.Info().Str("file", snapshotOutput).Int("bytes", len(data)).Msg("静止画を保存しました")
	return nil
}
