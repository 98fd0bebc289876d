package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"camrelay/internal/config"
)

// Options はffmpegの起動パラメータ
type Options struct {
	FFmpegPath  string
	RTSPURL     string
	Transport   string
	Quality     int
	FrameRate   int
	ScaleHeight int // 0なら縮小しない
}

// NewOptions は設定からOptionsを作成する
func NewOptions(cfg config.StreamConfig) Options {
	return Options{
		FFmpegPath:  cfg.FFmpegPath,
		RTSPURL:     cfg.RTSPURL,
		Transport:   cfg.Transport,
		Quality:     cfg.Quality,
		FrameRate:   cfg.FrameRate,
		ScaleHeight: cfg.ScaleHeight,
	}
}

// StreamArgs は連続MJPEG出力用の引数を返す
func (o Options) StreamArgs() []string {
	args := o.inputArgs()
	args = append(args,
		"-f", "mjpeg",
		"-q:v", strconv.Itoa(o.Quality),
		"-r", strconv.Itoa(o.FrameRate),
	)
	if o.ScaleHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", o.ScaleHeight))
	}
	return append(args, "-")
}

// SnapshotArgs は1フレーム取得用の引数を返す
func (o Options) SnapshotArgs() []string {
	args := o.inputArgs()
	return append(args,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2", // 高品質JPEG
		"-",
	)
}

func (o Options) inputArgs() []string {
	var args []string
	if o.Transport != "" {
		args = append(args, "-rtsp_transport", o.Transport)
	}
	return append(args, "-i", o.RTSPURL)
}

// Process は起動済みのトランスコーダープロセス
type Process interface {
	// Stdout はエンコード済み画像のストリームを返す
	Stdout() io.Reader

	// Terminate は穏やかな終了（SIGTERM）を要求する
	Terminate() error

	// Kill はプロセスを強制終了する
	Kill() error

	// Exited はプロセス終了後にクローズされる
	Exited() <-chan struct{}

	// ExitErr は終了時のエラーを返す（Exited の後でのみ有効）
	ExitErr() error

	// Close は標準出力の読み取り側を解放する
	Close() error
}

// Launcher はセッションごとにプロセスを起動する
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher はffmpegを子プロセスとして起動するLauncher
type ExecLauncher struct {
	opts Options
}

// NewExecLauncher は新しいExecLauncherを作成する
func NewExecLauncher(opts Options) *ExecLauncher {
	return &ExecLauncher{opts: opts}
}

// Launch はffmpegを起動する
// リクエストのコンテキストには紐づけない（終了は Session が2段階で行う）
func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	logger := zerolog.Ctx(ctx)

	// Wait が読み取り途中でパイプを閉じないよう、パイプは自前で持つ
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	cmd := exec.Command(l.opts.FFmpegPath, l.opts.StreamArgs()...)
	cmd.Stdout = w
	cmd.Stderr = &stderrLogger{logger: logger}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	// 書き込み側は子プロセスだけが持つ
	_ = w.Close()

	logger.Debug().Int("pid", cmd.Process.Pid).Strs("args", cmd.Args).Msg("ffmpegを起動しました")

	p := &execProcess{
		cmd:    cmd,
		stdout: r,
		exited: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// execProcess は exec.Cmd を Process として扱う
type execProcess struct {
	cmd       *exec.Cmd
	stdout    *os.File
	exited    chan struct{}
	err       error
	closeOnce sync.Once
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitErr() error {
	select {
	case <-p.exited:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.stdout.Close()
	})
	return err
}

// stderrLogger はffmpegのstderrを行単位でdebugログに流す
// 進捗表示は \r で上書きされるので \r も区切りとして扱う
type stderrLogger struct {
	logger *zerolog.Logger
	buf    bytes.Buffer
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		rest := s.buf.Bytes()
		i := bytes.IndexAny(rest, "\r\n")
		if i < 0 {
			// 区切りが来るまで残しておく
			break
		}
		if msg := bytes.TrimSpace(rest[:i]); len(msg) > 0 {
			s.logger.Debug().Str("source", "ffmpeg").Msg(string(msg))
		}
		s.buf.Next(i + 1)
	}
	return len(p), nil
}
