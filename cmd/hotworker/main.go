package main

// ============================================================================
// 職責說明：
// 1. hotworker 執行檔入口點
// 2. 執行 CLI 命令並回傳 exit code
// ============================================================================

import (
	"os"

	"github.com/ChuLiYu/hotworker/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
