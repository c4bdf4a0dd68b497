package main

import "github.com/seanblong/docqa/internal/cli"

func main() {
	cli.Execute()
}
