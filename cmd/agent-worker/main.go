package main

import "github.com/jayusctrojan/Empire-sub006/services/agentworker/cli"

func main() {
	cli.Execute()
}
