package main

import (
	"os"
)

// main 是终端审核客户端的入口。
func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
