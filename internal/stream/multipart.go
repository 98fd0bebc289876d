package stream

import (
	"fmt"
	"io"
	"net/http"
)

// PartWriter はmultipart/x-mixed-replaceのパートを書き出す
type PartWriter struct {
	w        io.Writer
	boundary string
}

// NewPartWriter は新しいPartWriterを作成する
func NewPartWriter(w io.Writer, boundary string) *PartWriter {
	return &PartWriter{w: w, boundary: boundary}
}

// ContentType はレスポンスのContent-Typeを返す
func (p *PartWriter) ContentType() string {
	return "multipart/x-mixed-replace; boundary=" + p.boundary
}

// WritePart は1パート（境界・ヘッダー・本体・改行）を書き込む
// Content-Length は本体のバイト数と一致する
func (p *PartWriter) WritePart(contentType string, body []byte) error {
	if _, err := fmt.Fprintf(p.w, "--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		p.boundary, contentType, len(body)); err != nil {
		return err
	}
	if _, err := p.w.Write(body); err != nil {
		return err
	}
	if _, err := io.WriteString(p.w, "\r\n"); err != nil {
		return err
	}

	if f, ok := p.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
