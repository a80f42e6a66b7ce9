// Command feedpipe はフィード取り込みと記事重複排除パイプラインのエントリーポイント。
//
// サブコマンド:
//
//	serve       APIサーバー（既定）
//	worker      cronスケジュールで一括スイープと記事アーカイブを実行する
//	migrate     データベースマイグレーションを適用する
//	sweep-all   一括スイープを1回実行して終了する（--forceで巡回間隔を無視）
//	healthcheck /healthを確認する（Dockerヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/feedpipe/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "feedpipe: %v\n", err)
		os.Exit(1)
	}
}
