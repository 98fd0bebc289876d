package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"camrelay/internal/autoadjust"
	"camrelay/internal/config"
	"camrelay/internal/control"
	"camrelay/internal/stream"
)

// ErrorResponse はエラー応答の形式
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status     string             `json:"status"`
	Server     ServerInfo         `json:"server"`
	Stream     StreamInfo         `json:"stream"`
	Panel      control.PanelState `json:"panel"`
	AutoAdjust autoadjust.Status  `json:"autoadjust"`
	Timestamp  time.Time          `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StreamInfo は配信の状態
type StreamInfo struct {
	ActiveSessions int64 `json:"active_sessions"`
	SourceSet      bool  `json:"source_configured"`
}

// ValueResponse は制御コマンドで送った値
type ValueResponse struct {
	Value float64 `json:"value"`
}

// ModeRequest は POST /api/mode の本文
type ModeRequest struct {
	Mode control.Mode `json:"mode" binding:"required"`
}

// StepRequest は POST /api/step の本文
type StepRequest struct {
	Target control.StepTarget `json:"target" binding:"required"`
	Plus   bool               `json:"plus"`
}

// StepResponse は変更後のステップ幅
type StepResponse struct {
	Target control.StepTarget `json:"target"`
	Step   float64            `json:"step"`
}

// StartResponse は自動調整の開始応答
type StartResponse struct {
	RunID string `json:"run_id"`
}

// Handler はHTTPハンドラをまとめる
type Handler struct {
	config      *config.Config
	launcher    stream.Launcher
	sessionOpts stream.SessionOptions
	snapshotter Snapshotter
	client      *control.Client
	poller      *control.Poller
	panel       *control.Panel
	runner      *autoadjust.Runner

	// 自動調整はリクエストより長く動くのでサーバーのコンテキストで実行する
	runCtx context.Context

	activeSessions atomic.Int64
}

func newHandler(cfg *config.Config, deps Deps, runCtx context.Context) *Handler {
	return &Handler{
		config:      cfg,
		launcher:    deps.Launcher,
		sessionOpts: stream.NewSessionOptions(cfg.Stream),
		snapshotter: deps.Snapshotter,
		client:      deps.Client,
		poller:      deps.Poller,
		panel:       deps.Panel,
		runner:      deps.Runner,
		runCtx:      runCtx,
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// Index は配信テストページを返す
func (h *Handler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML())
}

// Panel は操作パネルページを返す
func (h *Handler) Panel(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", panelHTML())
}

// HealthCheck はヘルスチェックエンドポイント
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態を返す
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Stream: StreamInfo{
			ActiveSessions: h.activeSessions.Load(),
			SourceSet:      h.config.Stream.RTSPURL != "",
		},
		Panel:      h.panel.State(),
		AutoAdjust: h.runner.Status(),
		Timestamp:  time.Now(),
	})
}

// StreamMJPEG はクライアントごとにトランスコーダーを起動してMJPEGを配信する
func (h *Handler) StreamMJPEG(c *gin.Context) {
	sess := stream.NewSession(h.launcher, h.sessionOpts)

	h.activeSessions.Add(1)
	defer h.activeSessions.Add(-1)

	sess.Serve(c.Request.Context(), c.Writer)
}

// Snapshot は静止画を1枚返す
func (h *Handler) Snapshot(c *gin.Context) {
	data, err := h.snapshotter.Capture(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("静止画の取得に失敗")
		respondError(c, http.StatusBadGateway, "snapshot_failed", err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetTelemetry は最新のテレメトリを返す
func (h *Handler) GetTelemetry(c *gin.Context) {
	t, err := h.poller.Current()
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "no_telemetry", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// SetMode は操作モードを切り替える
func (h *Handler) SetMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.panel.SetMode(c.Request.Context(), req.Mode); err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.panel.State())
}

// ZoomIn はズームを1段上げる
func (h *Handler) ZoomIn(c *gin.Context) {
	h.sendValue(c, h.panel.ZoomIn)
}

// ZoomOut はズームを1段下げる
func (h *Handler) ZoomOut(c *gin.Context) {
	h.sendValue(c, h.panel.ZoomOut)
}

// FocusPlus はフォーカスを1段上げる
func (h *Handler) FocusPlus(c *gin.Context) {
	h.sendValue(c, h.panel.FocusPlus)
}

// FocusMinus はフォーカスを1段下げる
func (h *Handler) FocusMinus(c *gin.Context) {
	h.sendValue(c, h.panel.FocusMinus)
}

func (h *Handler) sendValue(c *gin.Context, fn func(context.Context) (float64, error)) {
	v, err := fn(c.Request.Context())
	if err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, ValueResponse{Value: v})
}

// AdjustStep はステップ幅を変更する
func (h *Handler) AdjustStep(c *gin.Context) {
	var req StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	step, err := h.panel.AdjustStep(req.Target, req.Plus)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_target", err)
		return
	}
	c.JSON(http.StatusOK, StepResponse{Target: req.Target, Step: step})
}

// ReadCamera はカメラにパラメータを読み直させる
func (h *Handler) ReadCamera(c *gin.Context) {
	h.passThrough(c, h.client.ReadCamera)
}

// AutoFocus はオートフォーカスを実行させる
func (h *Handler) AutoFocus(c *gin.Context) {
	h.passThrough(c, h.client.AutoFocus)
}

func (h *Handler) passThrough(c *gin.Context, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetAutoAdjust は自動調整の状態を返す
func (h *Handler) GetAutoAdjust(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Status())
}

// StartAutoAdjust は自動調整をバックグラウンドで開始する
func (h *Handler) StartAutoAdjust(c *gin.Context) {
	h.startRun(c)
}

// CancelAutoAdjust は実行中の自動調整を止める
func (h *Handler) CancelAutoAdjust(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"canceled": h.runner.Cancel()})
}

// DoZoom は標定ズームを実行してから自動調整を開始する
func (h *Handler) DoZoom(c *gin.Context) {
	if h.runner.Running() {
		respondError(c, http.StatusConflict, "already_running", autoadjust.ErrAlreadyRunning)
		return
	}
	if err := h.client.DoZoom(c.Request.Context()); err != nil {
		respondControlError(c, err)
		return
	}
	h.startRun(c)
}

func (h *Handler) startRun(c *gin.Context) {
	runID, _, err := h.runner.Start(h.runCtx)
	if errors.Is(err, autoadjust.ErrAlreadyRunning) {
		respondError(c, http.StatusConflict, "already_running", err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "start_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, StartResponse{RunID: runID})
}

// respondControlError は制御操作のエラーを応答に変換する
func respondControlError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, control.ErrAutoMode):
		respondError(c, http.StatusConflict, "auto_mode", err)
	case errors.Is(err, control.ErrInvalidMode):
		respondError(c, http.StatusBadRequest, "invalid_mode", err)
	default:
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("制御APIの呼び出しに失敗")
		respondError(c, http.StatusBadGateway, "control_unavailable", err)
	}
}

func respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
