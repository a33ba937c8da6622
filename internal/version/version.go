// Package version 保存构建时注入的版本信息。
package version

import (
	"fmt"
	"runtime"
)

// 以下变量可通过 -ldflags "-X" 在构建时覆盖。
var (
	Version   = "0.1.0"
	Commit    = "dev"
	BuildDate = "unknown"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("catalog-cache %s (%s)", Version, Commit)
}

// Detailed 在 Full 的基础上附加构建时间与 Go 运行时信息。
func Detailed() string {
	return fmt.Sprintf("%s built %s with %s %s/%s", Full(), BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent 是访问上游目录服务时使用的 User-Agent。
func UserAgent() string {
	return "catalog-cache/" + Version
}
