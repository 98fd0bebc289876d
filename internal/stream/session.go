package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camrelay/internal/config"
	"camrelay/internal/metrics"
)

// State はセッションの状態を表す
type State int32

const (
	StateNotStarted State = iota // ヘッダー送信前
	StateStreaming               // 配信中
	StateTerminated              // 終了済み
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason はセッション終了の契機
type Reason string

const (
	ReasonClientClosed  Reason = "client_closed"
	ReasonWriteError    Reason = "write_error"
	ReasonLaunchFailed  Reason = "launch_failed"
	ReasonProcessError  Reason = "process_error"
	ReasonProcessExited Reason = "process_exited"
	ReasonTimeout       Reason = "timeout"
)

const defaultChunkSize = 64 * 1024

// SessionOptions はセッションの動作設定
type SessionOptions struct {
	Boundary  string
	Timeout   time.Duration // セッション開始からの上限
	KillGrace time.Duration // SIGTERMからSIGKILLまで
	ChunkSize int
}

// NewSessionOptions は設定からSessionOptionsを作成する
func NewSessionOptions(cfg config.StreamConfig) SessionOptions {
	return SessionOptions{
		Boundary:  cfg.Boundary,
		Timeout:   cfg.SessionTimeout,
		KillGrace: cfg.KillGrace,
		ChunkSize: defaultChunkSize,
	}
}

// Session は1つのHTTP接続と1つのトランスコーダープロセスの組
type Session struct {
	id       string
	launcher Launcher
	opts     SessionOptions
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	reason      Reason
	headersSent bool
	launching   bool
	proc        Process
	timer       *time.Timer
	startedAt   time.Time

	terminated  chan struct{}
	stopped     chan struct{}
	stoppedOnce sync.Once
}

// NewSession は新しいSessionを作成する
func NewSession(launcher Launcher, opts SessionOptions) *Session {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		launcher:   launcher,
		opts:       opts,
		logger:     log.With().Str("session_id", id).Logger(),
		state:      StateNotStarted,
		terminated: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// ID はセッションIDを返す
func (s *Session) ID() string { return s.id }

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason は終了理由を返す（終了前は空）
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done は Terminate の実行後にクローズされる
func (s *Session) Done() <-chan struct{} { return s.terminated }

// ProcessStopped はプロセスの停止を確認した後にクローズされる
func (s *Session) ProcessStopped() <-chan struct{} { return s.stopped }

// Serve はレスポンスにMJPEGを流し続け、セッション終了で戻る
// 戻った時点でレスポンスは閉じてよい
func (s *Session) Serve(ctx context.Context, w http.ResponseWriter) {
	ctx = s.logger.WithContext(ctx)
	defer s.finish(w)

	s.mu.Lock()
	s.startedAt = time.Now()
	if s.state == StateNotStarted {
		s.timer = time.AfterFunc(s.opts.Timeout, func() {
			s.Terminate(ReasonTimeout, nil)
		})
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.Terminate(ReasonClientClosed, context.Cause(ctx))
		s.markStopped()
		return
	}

	pw := NewPartWriter(w, s.opts.Boundary)
	if !s.writeHeaders(w, pw.ContentType()) {
		s.markStopped()
		return
	}
	s.logger.Info().Msg("MJPEGクライアントが接続しました")

	metrics.StreamSessionsActive.Inc()
	defer metrics.StreamSessionsActive.Dec()

	s.mu.Lock()
	s.launching = true
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.launching = false
		s.mu.Unlock()
		s.Terminate(ReasonLaunchFailed, err)
		s.markStopped()
		return
	}
	if !s.attach(proc) {
		return
	}

	// クライアント切断の監視
	go func() {
		select {
		case <-ctx.Done():
			s.Terminate(ReasonClientClosed, context.Cause(ctx))
		case <-s.terminated:
		}
	}()

	// プロセス終了の監視
	go func() {
		select {
		case <-proc.Exited():
			s.Terminate(ReasonProcessExited, proc.ExitErr())
		case <-s.terminated:
		}
	}()

	s.pump(ctx, proc.Stdout(), pw)
}

// Terminate はセッションを終了する
// どのイベントから何度呼ばれても実際の終了処理は1回だけで、最初の呼び出しのみ true を返す
func (s *Session) Terminate(reason Reason, cause error) bool {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return false
	}
	s.state = StateTerminated
	s.reason = reason
	proc := s.proc
	launching := s.launching
	if s.timer != nil {
		s.timer.Stop()
	}
	elapsed := time.Duration(0)
	if !s.startedAt.IsZero() {
		elapsed = time.Since(s.startedAt)
	}
	s.mu.Unlock()

	close(s.terminated)

	ev := s.logger.Info()
	if cause != nil && !errors.Is(cause, context.Canceled) {
		ev = s.logger.Warn().Err(cause)
	}
	ev.Str("reason", string(reason)).Dur("elapsed", elapsed).Msg("セッションを終了します")

	metrics.StreamSessionsTotal.WithLabelValues(string(reason)).Inc()
	metrics.StreamSessionDuration.Observe(elapsed.Seconds())

	switch {
	case proc != nil:
		go s.stopProcess(proc)
	case !launching:
		s.markStopped()
	}
	return true
}

// writeHeaders はヘッダーを1回だけ送る
func (s *Session) writeHeaders(w http.ResponseWriter, contentType string) bool {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return false
	}
	s.state = StateStreaming
	s.headersSent = true
	s.mu.Unlock()

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Connection", "close")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return true
}

// attach は起動したプロセスをセッションに結びつける
// 起動中に終了済みになっていればプロセスをすぐ止める
func (s *Session) attach(proc Process) bool {
	s.mu.Lock()
	s.launching = false
	if s.state == StateTerminated {
		s.mu.Unlock()
		go s.stopProcess(proc)
		return false
	}
	s.proc = proc
	s.mu.Unlock()
	return true
}

// pump はプロセス出力をパートとして書き出す
func (s *Session) pump(ctx context.Context, out io.Reader, pw *PartWriter) {
	buf := make([]byte, s.opts.ChunkSize)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if !s.streaming() || ctx.Err() != nil {
				return
			}
			if werr := pw.WritePart("image/jpeg", buf[:n]); werr != nil {
				s.Terminate(ReasonWriteError, werr)
				return
			}
			metrics.StreamPartsTotal.Inc()
			metrics.StreamBytesTotal.Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.Terminate(ReasonProcessExited, nil)
			} else {
				s.Terminate(ReasonProcessError, err)
			}
			return
		}
	}
}

func (s *Session) streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming
}

// stopProcess は SIGTERM → 猶予時間 → SIGKILL の順でプロセスを止める
func (s *Session) stopProcess(p Process) {
	defer s.markStopped()

	select {
	case <-p.Exited():
		_ = p.Close()
		return
	default:
	}

	if err := p.Terminate(); err != nil {
		s.logger.Debug().Err(err).Msg("SIGTERMの送信に失敗")
	}
	_ = p.Close()

	timer := time.NewTimer(s.opts.KillGrace)
	defer timer.Stop()

	select {
	case <-p.Exited():
	case <-timer.C:
		s.logger.Warn().Dur("grace", s.opts.KillGrace).Msg("ffmpegが終了しないため強制終了します")
		metrics.StreamForcedKillsTotal.Inc()
		if err := p.Kill(); err != nil {
			s.logger.Error().Err(err).Msg("ffmpegの強制終了に失敗")
			return
		}
		<-p.Exited()
	}
}

func (s *Session) markStopped() {
	s.stoppedOnce.Do(func() { close(s.stopped) })
}

// finish はレスポンスを閉じる前の後始末
// ヘッダー未送信のまま終わった場合だけ500を返す
func (s *Session) finish(w http.ResponseWriter) {
	s.mu.Lock()
	sent := s.headersSent
	s.mu.Unlock()

	if !sent {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
