package main

import "github.com/basel95f-code/solana-memecoin-bot-sub009/internal/cli"

func main() {
	cli.Execute()
}
