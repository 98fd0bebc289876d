package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"camrelay/internal/autoadjust"
	"camrelay/internal/config"
	"camrelay/internal/control"
	"camrelay/internal/stream"
)

// Snapshotter は静止画を1枚取得する
type Snapshotter interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Deps はサーバーが使うコンポーネント
type Deps struct {
	Launcher    stream.Launcher
	Snapshotter Snapshotter
	Client      *control.Client
	Poller      *control.Poller
	Panel       *control.Panel
	Runner      *autoadjust.Runner
}

// NewDeps は設定から実際のコンポーネントを組み立てる
func NewDeps(cfg *config.Config) Deps {
	opts := stream.NewOptions(cfg.Stream)
	client := control.NewClient(cfg.Control)
	poller := control.NewPoller(client, cfg.Control.PollInterval)
	panel := control.NewPanel(client, poller, cfg.Control)

	return Deps{
		Launcher:    stream.NewExecLauncher(opts),
		Snapshotter: stream.NewSnapshotter(opts, cfg.Stream.SnapshotTimeout),
		Client:      client,
		Poller:      poller,
		Panel:       panel,
		Runner:      autoadjust.NewRunner(client, panel, autoadjust.NewSettings(cfg.AutoAdjust)),
	}
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	handler    *Handler
	httpServer *http.Server

	// 配信中のリクエストはこのコンテキストの終了で止まる
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())

	h := newHandler(cfg, deps, baseCtx)
	engine := newEngine(h)

	s := &Server{
		config:     cfg,
		engine:     engine,
		handler:    h,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// newEngine はginエンジンを作成してルートを設定する
func newEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	// ページ
	engine.GET("/", h.Index)
	engine.GET("/panel", h.Panel)

	// 映像
	engine.GET("/mjpeg", h.StreamMJPEG)
	engine.GET("/snapshot.jpg", h.Snapshot)

	engine.GET("/health", h.HealthCheck)
	engine.GET("/metrics", gin.WrapH(metricsHandler()))

	api := engine.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/telemetry", h.GetTelemetry)
		api.GET("/telemetry/ws", h.TelemetryWebSocket)

		api.POST("/mode", h.SetMode)
		api.POST("/zoom/in", h.ZoomIn)
		api.POST("/zoom/out", h.ZoomOut)
		api.POST("/focus/plus", h.FocusPlus)
		api.POST("/focus/minus", h.FocusMinus)
		api.POST("/step", h.AdjustStep)
		api.POST("/read_camera", h.ReadCamera)
		api.POST("/auto_focus", h.AutoFocus)

		api.GET("/autoadjust", h.GetAutoAdjust)
		api.POST("/autoadjust", h.StartAutoAdjust)
		api.DELETE("/autoadjust", h.CancelAutoAdjust)
		api.POST("/do_zoom", h.DoZoom)
	}
	return engine
}

// requestLogger はリクエストをzerologに記録するミドルウェア
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("リクエストを処理しました")
	}
}

// Start はサーバーを起動し、コンテキストが終わるとシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ServerAddress())
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーでサーバーを動かす
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの実行に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("コンテキストがキャンセルされました")
	case err := <-errCh:
		s.cancelBase()
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 配信中のセッションとバックグラウンドの自動調整も止める
func (s *Server) Shutdown() error {
	log.Info().Msg("サーバーをシャットダウンしています...")

	s.cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
