package main

import "github.com/smallbiznis/genbroker/internal/cli"

func main() {
	cli.Execute()
}
