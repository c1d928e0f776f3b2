package main

import "github.com/DocRelay/docrelay-go/internal/cli"

func main() {
	cli.Execute()
}
