// Package autoadjust は検出した円の直径が目標範囲に入るまでズームとフォーカスを自動調整する
//
// 1回の実行は idle → running → {success, aborted, exhausted} と遷移する。
// 同時に実行できるのは1つだけで、実行中の開始要求は ErrAlreadyRunning で拒否する。
package autoadjust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camrelay/internal/config"
	"camrelay/internal/control"
	"camrelay/internal/metrics"
)

// State は自動調整の状態
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateAborted   State = "aborted"
	StateExhausted State = "exhausted"
)

// Reason は中断の理由
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNoCircle     Reason = "no_circle"
	ReasonAlreadyLarge Reason = "already_large"
	ReasonCommError    Reason = "comm_error"
	ReasonCanceled     Reason = "canceled"
)

// ErrAlreadyRunning は実行中に再度開始しようとしたことを表す
var ErrAlreadyRunning = errors.New("自動調整は既に実行中です")

// Controller は自動調整が使う制御APIの操作
type Controller interface {
	Detect(ctx context.Context) (control.Detection, error)
	ReadCamera(ctx context.Context) error
	SetZoom(ctx context.Context, value float64) error
	AutoFocus(ctx context.Context) error
	AutoDone(ctx context.Context) error
}

// Positioner は1段ズームインした目標値を決める
type Positioner interface {
	NextZoomIn() float64
}

// Settings は自動調整のパラメータ
type Settings struct {
	MaxAttempts int
	TargetMin   float64
	TargetMax   float64

	ReadCameraDelay time.Duration
	ZoomDelay       time.Duration
	FocusDelay      time.Duration
	SettleDelay     time.Duration
	DetectTimeout   time.Duration
}

// NewSettings は設定からSettingsを作成する
func NewSettings(cfg config.AutoAdjustConfig) Settings {
	return Settings{
		MaxAttempts:     cfg.MaxAttempts,
		TargetMin:       cfg.TargetMin,
		TargetMax:       cfg.TargetMax,
		ReadCameraDelay: cfg.ReadCameraDelay,
		ZoomDelay:       cfg.ZoomDelay,
		FocusDelay:      cfg.FocusDelay,
		SettleDelay:     cfg.SettleDelay,
		DetectTimeout:   cfg.DetectTimeout,
	}
}

// Result は1回の実行結果
type Result struct {
	RunID      string    `json:"run_id"`
	State      State     `json:"state"`
	Reason     Reason    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	Diameter   float64   `json:"diameter"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status は表示用の現在状態
type Status struct {
	State       State      `json:"state"`
	RunID       string     `json:"run_id,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Diameter    float64    `json:"diameter"`
	Reason      Reason     `json:"reason,omitempty"`
	Status      string     `json:"status"`            // 進行状況
	Message     string     `json:"message,omitempty"` // 成功・失敗の結果表示
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Runner は自動調整を実行する
type Runner struct {
	ctrl     Controller
	pos      Positioner
	settings Settings

	running atomic.Bool

	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc

	// テストで待ち時間を差し替える
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner は新しいRunnerを作成する
func NewRunner(ctrl Controller, pos Positioner, settings Settings) *Runner {
	return &Runner{
		ctrl:     ctrl,
		pos:      pos,
		settings: settings,
		status: Status{
			State:       StateIdle,
			MaxAttempts: settings.MaxAttempts,
			Status:      "自動調整の準備ができています",
		},
		sleep: sleepContext,
	}
}

// Status は現在の状態を返す
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Running は実行中かどうかを返す
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run は自動調整を実行し、終わるまで戻らない
func (r *Runner) Run(ctx context.Context) (Result, error) {
	runID, ctx, cancel, err := r.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer cancel()
	return r.execute(ctx, runID), nil
}

// Start は自動調整をバックグラウンドで開始する
// 実行中なら ErrAlreadyRunning を返し、実行中の状態には触れない
func (r *Runner) Start(ctx context.Context) (string, <-chan Result, error) {
	runID, ctx, cancel, err := r.begin(ctx)
	if err != nil {
		return "", nil, err
	}
	done := make(chan Result, 1)
	go func() {
		defer cancel()
		done <- r.execute(ctx, runID)
	}()
	return runID, done, nil
}

// Cancel は実行中の自動調整を次のステップの前で止める
func (r *Runner) Cancel() bool {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel == nil || !r.running.Load() {
		return false
	}
	cancel()
	return true
}

// begin は実行権を取り、キャンセル可能なコンテキストを用意する
// 戻った時点で Cancel が効く
func (r *Runner) begin(parent context.Context) (string, context.Context, context.CancelFunc, error) {
	if !r.running.CompareAndSwap(false, true) {
		return "", nil, nil, ErrAlreadyRunning
	}
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()

	r.mu.Lock()
	r.status = Status{
		State:       StateRunning,
		RunID:       runID,
		MaxAttempts: r.settings.MaxAttempts,
		StartedAt:   &now,
	}
	r.cancel = cancel
	r.mu.Unlock()
	return runID, ctx, cancel, nil
}

func (r *Runner) execute(ctx context.Context, runID string) Result {
	r.mu.RLock()
	startedAt := *r.status.StartedAt
	r.mu.RUnlock()

	logger := log.With().Str("run_id", runID).Logger()
	s := r.settings
	res := Result{RunID: runID, StartedAt: startedAt}

	r.report(&logger, fmt.Sprintf("円の大きさの自動最適化を開始します（目標 %g-%g）", s.TargetMin, s.TargetMax))

	attempts := 0
	for attempts < s.MaxAttempts {
		attempts++
		r.setAttempt(attempts)
		r.report(&logger, fmt.Sprintf("第 %d 回 解析中...", attempts))

		det, err := r.detect(ctx)
		if err != nil {
			res.Reason = failureReason(ctx)
			logger.Warn().Err(err).Int("attempt", attempts).Msg("解析または制御でエラー")
			r.report(&logger, "通信異常のため自動最適化を中止しました")
			break
		}
		if !det.Found {
			res.Reason = ReasonNoCircle
			r.report(&logger, fmt.Sprintf("第 %d 回：円が検出されませんでした", attempts))
			break
		}

		diameter := roundHalfUp(det.Diameter)
		res.Diameter = diameter
		r.setDiameter(diameter)
		logger.Info().Int("attempt", attempts).Float64("diameter", diameter).Msg("検出結果")

		if diameter >= s.TargetMin && diameter <= s.TargetMax {
			res.State = StateSuccess
			res.Attempts = attempts
			res.Message = fmt.Sprintf("最適化成功！直径：%gpx", diameter)
			r.report(&logger, fmt.Sprintf("成功！直径 %gpx は目標範囲内です (%g-%g)", diameter, s.TargetMin, s.TargetMax))
			return r.finish(res)
		}

		// 小さすぎるときだけ調整する
		if diameter >= s.TargetMin {
			res.Reason = ReasonAlreadyLarge
			r.report(&logger, fmt.Sprintf("直径 %gpx は既に大きいため調整を停止します", diameter))
			break
		}

		r.report(&logger, fmt.Sprintf("直径 %gpx が小さいため第 %d 回の調整を行います", diameter, attempts))
		if err := r.adjust(ctx); err != nil {
			res.Reason = failureReason(ctx)
			logger.Warn().Err(err).Int("attempt", attempts).Msg("解析または制御でエラー")
			r.report(&logger, "通信異常のため自動最適化を中止しました")
			break
		}
	}

	res.Attempts = attempts
	if attempts >= s.MaxAttempts {
		res.State = StateExhausted
		res.Message = "最適化失敗：円を目標サイズにできませんでした"
		r.report(&logger, fmt.Sprintf("最大試行回数 %d 回に達しました。最適化失敗", s.MaxAttempts))
		return r.finish(res)
	}

	res.State = StateAborted
	if res.Reason != ReasonCanceled {
		if err := r.ctrl.AutoDone(ctx); err != nil {
			logger.Warn().Err(err).Msg("完了通知に失敗")
		} else {
			r.report(&logger, "位置を記録しました")
		}
	}
	return r.finish(res)
}

// detect は1回の画像解析を行う
func (r *Runner) detect(ctx context.Context) (control.Detection, error) {
	if r.settings.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.settings.DetectTimeout)
		defer cancel()
	}
	return r.ctrl.Detect(ctx)
}

// adjust は1回分の調整手順を順に実行する
// 各ステップの前にキャンセルを確認する
func (r *Runner) adjust(ctx context.Context) error {
	s := r.settings
	steps := []struct {
		name string
		run  func(context.Context) error
		wait time.Duration
	}{
		{"readCamera", r.ctrl.ReadCamera, s.ReadCameraDelay},
		{"setzoom", func(ctx context.Context) error {
			return r.ctrl.SetZoom(ctx, r.pos.NextZoomIn())
		}, s.ZoomDelay},
		{"auto_focus", r.ctrl.AutoFocus, s.FocusDelay},
		{"auto_focus", r.ctrl.AutoFocus, s.SettleDelay},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if err := r.sleep(ctx, step.wait); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) finish(res Result) Result {
	res.FinishedAt = time.Now()

	r.mu.Lock()
	r.status.State = res.State
	r.status.Reason = res.Reason
	r.status.Attempt = res.Attempts
	r.status.Diameter = res.Diameter
	r.status.Message = res.Message
	finishedAt := res.FinishedAt
	r.status.FinishedAt = &finishedAt
	r.cancel = nil
	r.mu.Unlock()

	metrics.AutoAdjustRunsTotal.WithLabelValues(string(res.State), string(res.Reason)).Inc()
	metrics.AutoAdjustAttempts.Observe(float64(res.Attempts))

	log.Info().
		Str("run_id", res.RunID).
		Str("state", string(res.State)).
		Str("reason", string(res.Reason)).
		Int("attempts", res.Attempts).
		Float64("diameter", res.Diameter).
		Msg("自動調整が終了しました")

	r.running.Store(false)
	return res
}

func (r *Runner) report(logger *zerolog.Logger, msg string) {
	r.mu.Lock()
	r.status.Status = msg
	r.mu.Unlock()
	logger.Debug().Msg(msg)
}

func (r *Runner) setAttempt(n int) {
	r.mu.Lock()
	r.status.Attempt = n
	r.mu.Unlock()
}

func (r *Runner) setDiameter(d float64) {
	r.mu.Lock()
	r.status.Diameter = d
	r.mu.Unlock()
}

func failureReason(ctx context.Context) Reason {
	if ctx.Err() != nil {
		return ReasonCanceled
	}
	return ReasonCommError
}

// roundHalfUp は 0.5 を切り上げる丸め
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
