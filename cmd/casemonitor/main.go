package main

import "case-monitor/internal/cli"

func main() {
	cli.Execute()
}
