// Package control はデバイス制御API（レーザー・ズーム・フォーカス）とのやり取りを担う
//
// 制御API本体は外部（Node-RED のフロー, ポート1881）で動いており、
// このパッケージはそのクライアントとテレメトリのポーリング、
// 手動操作パネルの状態（モード・ステップ幅）だけを持つ。
//
// 仕様:
//   - /data は3要素以上の配列（レーザー, ズーム, フォーカス）
//   - 各要素は数値・数値文字列・JSON文字列・JSONオブジェクトのいずれか
//   - 解析できない要素は無視し、前回の値を残す
//   - 自動モード中は手動のズーム・フォーカス操作を拒否する
package control
