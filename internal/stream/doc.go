// Package stream はRTSPカメラ映像をMJPEGとして中継する
//
// # 責務
// - クライアント接続ごとにffmpegプロセスを1つ起動する
// - ffmpegの標準出力をmultipart/x-mixed-replaceのパートとして書き出す
// - 接続とプロセスの寿命を結びつけ、どちらが終わっても両方を片付ける
// - RTSPから1フレームだけ取得する（静止画）
//
// # 仕様
//   - セッション状態は not_started → streaming → terminated の一方向
//   - 終了処理は Session.Terminate の1か所に集約し、何度呼ばれても1回だけ実行する
//   - プロセス停止は SIGTERM → 猶予時間後に SIGKILL の2段階
//   - セッション開始から一定時間（デフォルト5分）で強制終了する
//   - クライアント間でストリームは共有しない
//
// # 前提要件
//   - ffmpeg: RTSPのデコードとJPEGへの再エンコードに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
package stream
