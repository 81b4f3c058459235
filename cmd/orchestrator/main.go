package main

import "github.com/jayusctrojan/Empire-sub006/services/orchestrator/cli"

func main() {
	cli.Execute()
}
