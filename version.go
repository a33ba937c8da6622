package main

import (
	"fmt"

	"github.com/any-hub/catalog-cache/internal/version"
)

// printVersion 输出版本、提交与构建环境。
func printVersion() {
	fmt.Fprintln(stdOut, version.Detailed())
}
