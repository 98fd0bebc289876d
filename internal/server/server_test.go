package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camrelay/internal/autoadjust"
	"camrelay/internal/config"
	"camrelay/internal/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeProcess は指定したデータを出力するプロセス
// hold が true なら出力後も終了しない
type fakeProcess struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	exited chan struct{}
	once   sync.Once
}

func newFakeProcess(data []byte, hold bool) *fakeProcess {
	pr, pw := io.Pipe()
	p := &fakeProcess{pr: pr, pw: pw, exited: make(chan struct{})}
	go func() {
		if len(data) > 0 {
			_, _ = pw.Write(data)
		}
		if !hold {
			_ = pw.Close()
		}
	}()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.pr }
func (p *fakeProcess) Terminate() error { p.exit(); return nil }
func (p *fakeProcess) Kill() error { p.exit(); return nil }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) ExitErr() error { return nil }
func (p *fakeProcess) Close() error { return p.pr.Close() }
func (p *fakeProcess) exit() {
	p.once.Do(func() {
		_ = p.pw.Close()
		close(p.exited)
	})
}

type fakeLauncher struct {
	data []byte
	hold bool
	err  error
}

func (l *fakeLauncher) Launch(context.Context) (stream.Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	return newFakeProcess(l.data, l.hold), nil
}

type fakeSnapshotter struct {
	data []byte
	err  error
}

func (s *fakeSnapshotter) Capture(context.Context) ([]byte, error) {
	return s.data, s.err
}

// fakeControlAPI は制御APIの代わりに呼び出しを記録する
type fakeControlAPI struct {
	mu     sync.Mutex
	calls  []string
	data   string
	fail   bool
	detect chan struct{} // nil でなければ /detect はこれが閉じるまで待つ
}

func (a *fakeControlAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	call := r.URL.Path
	if r.URL.RawQuery != "" {
		call += "?" + r.URL.RawQuery
	}
	a.calls = append(a.calls, call)
	fail, data, gate := a.fail, a.data, a.detect
	a.mu.Unlock()

	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/data":
		_, _ = w.Write([]byte(data))
	case "/detect":
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`{"circle":{"diameter":320,"radius":160,"center":{"x":320,"y":240}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func (a *fakeControlAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeControlAPI) set(fn func(a *fakeControlAPI)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

type testEnv struct {
	cfg      *config.Config
	srv      *Server
	deps     Deps
	api      *fakeControlAPI
	launcher *fakeLauncher
	snap     *fakeSnapshotter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	api := &fakeControlAPI{data: `[1, 100, 200]`}
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Control.BaseURL = apiSrv.URL
	cfg.Control.RequestTimeout = 2 * time.Second
	cfg.Stream.KillGrace = time.Second
	cfg.AutoAdjust.ReadCameraDelay = 0
	cfg.AutoAdjust.ZoomDelay = 0
	cfg.AutoAdjust.FocusDelay = 0
	cfg.AutoAdjust.SettleDelay = 0

	launcher := &fakeLauncher{data: []byte("jpegdata")}
	snap := &fakeSnapshotter{data: []byte{0xff, 0xd8, 0xff, 0xd9}}

	deps := NewDeps(cfg)
	deps.Launcher = launcher
	deps.Snapshotter = snap

	srv := New(cfg, deps)
	t.Cleanup(srv.cancelBase)

	return &testEnv{cfg: cfg, srv: srv, deps: deps, api: api, launcher: launcher, snap: snap}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestServerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contains       string
	}{
		{"ルートエンドポイント", "/", http.StatusOK, `src="/mjpeg"`},
		{"操作パネル", "/panel", http.StatusOK, "/api/telemetry/ws"},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, `"healthy"`},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, `"running"`},
		{"自動調整の状態", "/api/autoadjust", http.StatusOK, `"idle"`},
		{"メトリクス", "/metrics", http.StatusOK, "camrelay_"},
		{"存在しないパス", "/nope", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodGet, tc.endpoint, "")
			assert.Equal(t, tc.expectedStatus, w.Code)
			if tc.contains != "" {
				assert.Contains(t, w.Body.String(), tc.contains)
			}
		})
	}
}

func TestPanelDisablesManualButtonsInAutoMode(t *testing.T) {
	env := newTestEnv(t)

	body := env.do(http.MethodGet, "/panel", "").Body.String()
	for _, cmd := range []string{"/api/zoom/out", "/api/zoom/in", "/api/focus/minus", "/api/focus/plus"} {
		assert.Contains(t, body, `data-cmd="`+cmd+`"`)
	}
	// ズーム・フォーカスのボタンは自動モード中は押せない
	assert.Contains(t, body, `[data-cmd^="/api/zoom/"], [data-cmd^="/api/focus/"]`)
	assert.Contains(t, body, "btn.disabled = p.mode === 'auto'")
}

func TestStatusResponse(t *testing.T) {
	env := newTestEnv(t)

	st := decode[StatusResponse](t, env.do(http.MethodGet, "/api/status", ""))
	assert.Equal(t, "127.0.0.1", st.Server.Host)
	assert.True(t, st.Stream.SourceSet)
	assert.Equal(t, int64(0), st.Stream.ActiveSessions)
	assert.Equal(t, "manual", string(st.Panel.Mode))
	assert.Equal(t, 40.0, st.Panel.ZoomStep)
	assert.Equal(t, autoadjust.StateIdle, st.AutoAdjust.State)
}

func TestStreamMJPEG(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/mjpeg", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=ffserver", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t,
		"--ffserver\r\nContent-Type: image/jpeg\r\nContent-Length: 8\r\n\r\njpegdata\r\n",
		w.Body.String())
}

func TestStreamMJPEGLaunchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.err = errors.New("exec: ffmpeg: not found")

	w := env.do(http.MethodGet, "/mjpeg", "")

	// ヘッダー送信後の失敗なのでステータスは200のまま本文が空になる
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestStreamEndsOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.hold = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/mjpeg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 64)
	_, err = io.ReadAtLeast(resp.Body, buf, len("--ffserver"))
	require.NoError(t, err)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("配信中のセッションがシャットダウンを妨げています")
	}

	// 接続は閉じられている
	_, _ = io.ReadAll(resp.Body)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/snapshot.jpg", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, w.Body.Bytes())

	env.snap.err = stream.ErrEmptyFrame
	w = env.do(http.MethodGet, "/snapshot.jpg", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "snapshot_failed", resp.Error)
}

func TestTelemetry(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/telemetry", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, env.deps.Poller.Refresh(context.Background()))

	w = env.do(http.MethodGet, "/api/telemetry", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, 1.0, body["laser"])
	assert.Equal(t, 100.0, body["zoom"])
	assert.Equal(t, 200.0, body["focus"])
}

func TestManualControl(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.deps.Poller.Refresh(context.Background()))

	w := env.do(http.MethodPost, "/api/zoom/in", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 140.0, decode[ValueResponse](t, w).Value)

	w = env.do(http.MethodPost, "/api/focus/minus", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 160.0, decode[ValueResponse](t, w).Value)

	w = env.do(http.MethodPost, "/api/read_camera", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/auto_focus", "")
	assert.Equal(t, http.StatusOK, w.Code)

	calls := env.api.Calls()
	assert.Contains(t, calls, "/setzoom?value=140")
	assert.Contains(t, calls, "/setfocus?value=160")
	assert.Contains(t, calls, "/readCamera")
	assert.Contains(t, calls, "/auto_focus?cmd=auto_focus")
}

func TestModeSwitch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/mode", `{"mode":"auto"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, env.api.Calls(), "/mode?mode=auto")

	// 自動モードでは手動操作を拒否する
	w = env.do(http.MethodPost, "/api/zoom/in", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "auto_mode", decode[ErrorResponse](t, w).Error)

	w = env.do(http.MethodPost, "/api/mode", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/mode", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControlUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.api.set(func(a *fakeControlAPI) { a.fail = true })

	w := env.do(http.MethodPost, "/api/read_camera", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "control_unavailable", decode[ErrorResponse](t, w).Error)

	// モードは変わらない
	w = env.do(http.MethodPost, "/api/mode", `{"mode":"auto"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	st := decode[StatusResponse](t, env.do(http.MethodGet, "/api/status", ""))
	assert.Equal(t, "manual", string(st.Panel.Mode))
}

func TestAdjustStep(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/step", `{"target":"zoom","plus":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50.0, decode[StepResponse](t, w).Step)

	w = env.do(http.MethodPost, "/api/step", `{"target":"focus","plus":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30.0, decode[StepResponse](t, w).Step)

	w = env.do(http.MethodPost, "/api/step", `{"target":"iris","plus":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutoAdjust(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.api.set(func(a *fakeControlAPI) { a.detect = gate })

	w := env.do(http.MethodPost, "/api/autoadjust", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := decode[StartResponse](t, w).RunID
	assert.NotEmpty(t, runID)

	// 実行中の開始要求は拒否する
	w = env.do(http.MethodPost, "/api/autoadjust", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_running", decode[ErrorResponse](t, w).Error)

	w = env.do(http.MethodPost, "/api/do_zoom", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(gate)

	require.Eventually(t, func() bool {
		st := decode[autoadjust.Status](t, env.do(http.MethodGet, "/api/autoadjust", ""))
		return st.State == autoadjust.StateSuccess
	}, 2*time.Second, 10*time.Millisecond)

	st := decode[autoadjust.Status](t, env.do(http.MethodGet, "/api/autoadjust", ""))
	assert.Equal(t, runID, st.RunID)
	assert.Equal(t, 320.0, st.Diameter)
	assert.NotContains(t, env.api.Calls(), "/do_zoom?cmd=do_zoom")
}

func TestDoZoomStartsAutoAdjust(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/do_zoom", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return !env.deps.Runner.Running() && env.deps.Runner.Status().State == autoadjust.StateSuccess
	}, 2*time.Second, 10*time.Millisecond)

	calls := env.api.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "/do_zoom?cmd=do_zoom", calls[0])
	assert.Equal(t, "/detect?cmd=detect", calls[1])
}

func TestCancelAutoAdjust(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/api/autoadjust", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["canceled"])

	gate := make(chan struct{})
	defer close(gate)
	env.api.set(func(a *fakeControlAPI) { a.detect = gate })

	w = env.do(http.MethodPost, "/api/autoadjust", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	// 開始直後の取り消しも受け付ける
	w = env.do(http.MethodDelete, "/api/autoadjust", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["canceled"])

	require.Eventually(t, func() bool {
		st := env.deps.Runner.Status()
		return st.State == autoadjust.StateAborted && st.Reason == autoadjust.ReasonCanceled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTelemetryWebSocket(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.deps.Poller.Refresh(context.Background()))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/telemetry/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg TelemetryMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "telemetry", msg.Type)
	require.NotNil(t, msg.Data.Zoom)
	assert.Equal(t, 100.0, *msg.Data.Zoom)

	// 更新が届く
	env.api.set(func(a *fakeControlAPI) { a.data = `[1, 150, 200]` })
	require.Eventually(t, func() bool {
		_ = env.deps.Poller.Refresh(context.Background())
		var next TelemetryMessage
		if err := conn.ReadJSON(&next); err != nil {
			return false
		}
		return next.Data.Zoom != nil && *next.Data.Zoom == 150
	}, 2*time.Second, 10*time.Millisecond)
}
