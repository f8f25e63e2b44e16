package main

import "github.com/layer-3/wcsap/internal/cli"

func main() {
	cli.Execute()
}
