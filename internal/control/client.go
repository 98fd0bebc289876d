package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"camrelay/internal/config"
	"camrelay/internal/metrics"
)

// Mode は操作モード
type Mode string

const (
	ModeManual Mode = "manual" // 手動モード
	ModeAuto   Mode = "auto"   // 自動モード
)

// Valid はモード値が既知かどうかを返す
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeAuto
}

// ErrInvalidResponse は制御APIの応答が解釈できないことを表す
var ErrInvalidResponse = errors.New("制御APIの応答が不正です")

// maxBodySize は応答本文の読み取り上限
const maxBodySize = 1 << 20

// Detection は /detect の結果
type Detection struct {
	Found    bool    `json:"found"`
	Diameter float64 `json:"diameter"`
	Radius   float64 `json:"radius"`
	CenterX  float64 `json:"center_x"`
	CenterY  float64 `json:"center_y"`
	Width    int     `json:"image_width"`
	Height   int     `json:"image_height"`
	Error    string  `json:"error,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Client はデバイス制御APIのHTTPクライアント
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient は新しいClientを作成する
func NewClient(cfg config.ControlConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		timeout:    cfg.RequestTimeout,
	}
}

// SetMode は操作モードを切り替える
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	_, err := c.get(ctx, "mode", url.Values{"mode": {string(mode)}})
	return err
}

// Data はレーザー・ズーム・フォーカスの現在値を取得する
func (c *Client) Data(ctx context.Context) (Reading, error) {
	body, err := c.get(ctx, "data", nil)
	if err != nil {
		return Reading{}, err
	}
	r, ok := ParseData(body)
	if !ok {
		return Reading{}, fmt.Errorf("/data: %w", ErrInvalidResponse)
	}
	return r, nil
}

// SetZoom はズーム値を設定する
func (c *Client) SetZoom(ctx context.Context, value float64) error {
	_, err := c.get(ctx, "setzoom", url.Values{"value": {formatValue(value)}})
	return err
}

// SetFocus はフォーカス値を設定する
func (c *Client) SetFocus(ctx context.Context, value float64) error {
	_, err := c.get(ctx, "setfocus", url.Values{"value": {formatValue(value)}})
	return err
}

// ReadCamera はカメラに現在のパラメータを読み直させる
func (c *Client) ReadCamera(ctx context.Context) error {
	_, err := c.get(ctx, "readCamera", nil)
	return err
}

// AutoFocus はオートフォーカスを1回実行させる
func (c *Client) AutoFocus(ctx context.Context) error {
	_, err := c.get(ctx, "auto_focus", url.Values{"cmd": {"auto_focus"}})
	return err
}

// DoZoom は標定用のズーム動作を実行させる
func (c *Client) DoZoom(ctx context.Context) error {
	_, err := c.get(ctx, "do_zoom", url.Values{"cmd": {"do_zoom"}})
	return err
}

// AutoDone は自動調整の完了（現在位置の記録）を通知する
func (c *Client) AutoDone(ctx context.Context) error {
	_, err := c.get(ctx, "auto_done", nil)
	return err
}

// Detect は画像解析を要求し、円の検出結果を返す
// 円が無い場合は Found=false でエラーにはしない
func (c *Client) Detect(ctx context.Context) (Detection, error) {
	body, err := c.get(ctx, "detect", url.Values{"cmd": {"detect"}})
	if err != nil {
		return Detection{}, err
	}
	if !gjson.ValidBytes(body) {
		return Detection{}, fmt.Errorf("/detect: %w", ErrInvalidResponse)
	}

	res := gjson.ParseBytes(body)
	det := Detection{
		Width:   int(res.Get("image.width").Int()),
		Height:  int(res.Get("image.height").Int()),
		Error:   res.Get("error").String(),
		Message: res.Get("message").String(),
	}

	diameter := res.Get("circle.diameter")
	if diameter.Type != gjson.Number {
		return det, nil
	}
	det.Found = true
	det.Diameter = diameter.Float()
	det.Radius = res.Get("circle.radius").Float()
	det.CenterX = res.Get("circle.center.x").Float()
	det.CenterY = res.Get("circle.center.y").Float()
	return det, nil
}

// get は制御APIにGETリクエストを送り、本文を返す
func (c *Client) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("/%s: リクエストの作成に失敗: %w", endpoint, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ControlRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ControlRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("/%s: 通信に失敗: %w", endpoint, err)
	}
	defer resp.Body.Close()

	metrics.ControlRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("/%s: 応答の読み取りに失敗: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("/%s: 予期しないステータス %d", endpoint, resp.StatusCode)
	}
	return body, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
