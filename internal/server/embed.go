package server

import (
	"embed"

	"github.com/rs/zerolog/log"
)

//go:embed web
var webFS embed.FS

// indexHTML は配信テストページを返す
func indexHTML() []byte {
	return mustRead("web/index.html")
}

// panelHTML は操作パネルページを返す
func panelHTML() []byte {
	return mustRead("web/panel.html")
}

func mustRead(name string) []byte {
	data, err := webFS.ReadFile(name)
	if err != nil {
		log.Fatal().Err(err).Str("file", name).Msg("埋め込みファイルの読み込みに失敗")
	}
	return data
}
