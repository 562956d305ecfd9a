package main

import "github.com/vnmchuo/n8n-usage-sync/internal/cli"

func main() {
	cli.Execute()
}
