package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"camrelay/internal/metrics"
)

// ErrEmptyFrame はffmpegが画像を出力しなかったことを表す
var ErrEmptyFrame = errors.New("フレームが取得できませんでした")

// Snapshotter はRTSPから1フレームをJPEGとして取得する
type Snapshotter struct {
	opts    Options
	timeout time.Duration
}

// NewSnapshotter は新しいSnapshotterを作成する
func NewSnapshotter(opts Options, timeout time.Duration) *Snapshotter {
	return &Snapshotter{opts: opts, timeout: timeout}
}

// Capture は1フレームをキャプチャしてJPEGバイト配列として返す
func (s *Snapshotter) Capture(ctx context.Context) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.opts.FFmpegPath, s.opts.SnapshotArgs()...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("フレームキャプチャがタイムアウトしました: %w", ctx.Err())
		}
		return nil, fmt.Errorf("フレームキャプチャに失敗: %w (stderr: %s)", err, lastLine(stderr.String()))
	}
	if stdout.Len() == 0 {
		metrics.SnapshotsTotal.WithLabelValues("empty").Inc()
		return nil, ErrEmptyFrame
	}

	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	log.Debug().Int("bytes", stdout.Len()).Dur("took", time.Since(start)).Msg("静止画を取得しました")
	return stdout.Bytes(), nil
}

// lastLine はffmpegのstderrから最後の行だけを取り出す
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
