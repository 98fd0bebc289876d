package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"camrelay/internal/config"
)

var (
	// ErrAutoMode は自動モード中に手動操作しようとしたことを表す
	ErrAutoMode = errors.New("自動モード中は手動操作できません")

	// ErrInvalidMode は未知のモード値を表す
	ErrInvalidMode = errors.New("無効なモードです")
)

// refreshDelay は設定コマンド送信後に値を読み直すまでの待ち時間
const refreshDelay = 300 * time.Millisecond

// StepTarget はステップ幅を変更する対象
type StepTarget string

const (
	StepZoom  StepTarget = "zoom"
	StepFocus StepTarget = "focus"
)

// PanelState はパネルの表示状態
type PanelState struct {
	Mode      Mode    `json:"mode"`
	ZoomStep  float64 `json:"zoom_step"`
	FocusStep float64 `json:"focus_step"`
}

// Panel は手動操作パネルの状態を持ち、操作を制御APIに送る
type Panel struct {
	client *Client
	poller *Poller

	mu             sync.RWMutex
	mode           Mode
	zoomStep       float64
	focusStep      float64
	stepAdjustment float64
}

// NewPanel は新しいPanelを作成する
func NewPanel(client *Client, poller *Poller, cfg config.ControlConfig) *Panel {
	return &Panel{
		client:         client,
		poller:         poller,
		mode:           ModeManual,
		zoomStep:       cfg.ZoomStep,
		focusStep:      cfg.FocusStep,
		stepAdjustment: cfg.StepAdjustment,
	}
}

// State は現在のパネル状態を返す
func (p *Panel) State() PanelState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PanelState{Mode: p.mode, ZoomStep: p.zoomStep, FocusStep: p.focusStep}
}

// SetMode はモードを切り替える
// 制御APIが受け付けた場合だけ表示上のモードを変える
func (p *Panel) SetMode(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := p.client.SetMode(ctx, mode); err != nil {
		return fmt.Errorf("モード切り替えに失敗: %w", err)
	}

	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()

	log.Info().Str("mode", string(mode)).Msg("モードを切り替えました")
	return nil
}

// ZoomIn は現在値+ステップでズームを設定する
func (p *Panel) ZoomIn(ctx context.Context) (float64, error) {
	if err := p.requireManual(); err != nil {
		return 0, err
	}
	return p.send(ctx, p.client.SetZoom, p.NextZoomIn())
}

// ZoomOut は現在値-ステップ（0未満にはしない）でズームを設定する
func (p *Panel) ZoomOut(ctx context.Context) (float64, error) {
	if err := p.requireManual(); err != nil {
		return 0, err
	}
	current, ok := p.poller.CurrentZoom()
	return p.send(ctx, p.client.SetZoom, decrease(current, ok, p.State().ZoomStep))
}

// FocusPlus は現在値+ステップでフォーカスを設定する
func (p *Panel) FocusPlus(ctx context.Context) (float64, error) {
	if err := p.requireManual(); err != nil {
		return 0, err
	}
	current, ok := p.poller.CurrentFocus()
	return p.send(ctx, p.client.SetFocus, increase(current, ok, p.State().FocusStep))
}

// FocusMinus は現在値-ステップ（0未満にはしない）でフォーカスを設定する
func (p *Panel) FocusMinus(ctx context.Context) (float64, error) {
	if err := p.requireManual(); err != nil {
		return 0, err
	}
	current, ok := p.poller.CurrentFocus()
	return p.send(ctx, p.client.SetFocus, decrease(current, ok, p.State().FocusStep))
}

// NextZoomIn は1段ズームインした目標値を返す
// 現在値が未取得ならステップ幅そのもの
func (p *Panel) NextZoomIn() float64 {
	current, ok := p.poller.CurrentZoom()
	return increase(current, ok, p.State().ZoomStep)
}

// AdjustStep はステップ幅を調整幅だけ増減する
// 減らすのは調整幅より大きいときだけ
func (p *Panel) AdjustStep(target StepTarget, plus bool) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var step *float64
	switch target {
	case StepZoom:
		step = &p.zoomStep
	case StepFocus:
		step = &p.focusStep
	default:
		return 0, fmt.Errorf("無効なステップ対象: %q", target)
	}

	if plus {
		*step += p.stepAdjustment
	} else if *step > p.stepAdjustment {
		*step -= p.stepAdjustment
	}
	return *step, nil
}

func (p *Panel) requireManual() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mode != ModeManual {
		return ErrAutoMode
	}
	return nil
}

// send は設定コマンドを送り、少し待ってから値を読み直す
func (p *Panel) send(ctx context.Context, set func(context.Context, float64) error, value float64) (float64, error) {
	if err := set(ctx, value); err != nil {
		return 0, err
	}
	time.AfterFunc(refreshDelay, func() {
		_ = p.poller.Refresh(context.Background())
	})
	return value, nil
}

func increase(current float64, known bool, step float64) float64 {
	if !known {
		return step
	}
	return current + step
}

func decrease(current float64, known bool, step float64) float64 {
	if !known {
		return 0
	}
	return math.Max(0, current-step)
}
