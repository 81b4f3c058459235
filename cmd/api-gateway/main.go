package main

import "github.com/jayusctrojan/Empire-sub006/services/api-gateway/cli"

func main() {
	cli.Execute()
}
