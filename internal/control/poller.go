package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoTelemetry はまだ一度もテレメトリを取得できていないことを表す
var ErrNoTelemetry = errors.New("テレメトリが未取得です")

// DataSource はテレメトリの取得元
type DataSource interface {
	Data(ctx context.Context) (Reading, error)
}

// Poller は一定間隔で /data を取得し、最新値を保持する
type Poller struct {
	source   DataSource
	interval time.Duration

	mu     sync.RWMutex
	latest Telemetry
	subs   map[int]chan Telemetry
	nextID int
}

// NewPoller は新しいPollerを作成する
func NewPoller(source DataSource, interval time.Duration) *Poller {
	return &Poller{
		source:   source,
		interval: interval,
		subs:     make(map[int]chan Telemetry),
	}
}

// Run はコンテキストが終わるまでポーリングを続ける
// 取得エラーではループを止めない
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Dur("interval", p.interval).Msg("テレメトリのポーリングを開始します")

	_ = p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("テレメトリのポーリングを停止しました")
			return nil
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

// Refresh は /data を1回取得して最新値を更新する
func (p *Poller) Refresh(ctx context.Context) error {
	r, err := p.source.Data(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Msg("テレメトリの取得に失敗")
		}
		return err
	}

	p.mu.Lock()
	p.latest = p.latest.merge(r, time.Now())
	t := p.latest
	subs := make([]chan Telemetry, 0, len(p.subs))
	for _, ch := range p.subs {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	for _, ch := range subs {
		// 遅い購読者は最新値だけ受け取れればよい
		select {
		case ch <- t:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
	return nil
}

// Latest は最新のテレメトリを返す
func (p *Poller) Latest() Telemetry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Current は最新のテレメトリを返す
// 一度も取得できていなければ ErrNoTelemetry
func (p *Poller) Current() (Telemetry, error) {
	t := p.Latest()
	if t.UpdatedAt.IsZero() {
		return Telemetry{}, ErrNoTelemetry
	}
	return t, nil
}

// CurrentZoom は最新のズーム値を返す
func (p *Poller) CurrentZoom() (float64, bool) {
	t := p.Latest()
	if t.Zoom == nil {
		return 0, false
	}
	return *t.Zoom, true
}

// CurrentFocus は最新のフォーカス値を返す
func (p *Poller) CurrentFocus() (float64, bool) {
	t := p.Latest()
	if t.Focus == nil {
		return 0, false
	}
	return *t.Focus, true
}

// Subscribe は更新ごとに最新値を受け取るチャンネルを返す
// 返された関数で購読を解除する
func (p *Poller) Subscribe() (<-chan Telemetry, func()) {
	ch := make(chan Telemetry, 1)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}
