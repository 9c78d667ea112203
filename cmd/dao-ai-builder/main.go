package main

import "github.com/PipeOpsHQ/dao-ai-builder/internal/cli"

func main() {
	cli.Main()
}
