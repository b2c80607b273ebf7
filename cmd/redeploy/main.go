package main

import "github.com/davarch/redeploy/cmd/redeploy/cli"

func main() {
	cli.Execute()
}
