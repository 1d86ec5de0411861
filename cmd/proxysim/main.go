package main

import "github.com/always-cache/proxysim/cli"

func main() {
	cli.Execute()
}
