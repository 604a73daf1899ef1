package main

import "github.com/germtb/mlscore/internal/cli"

func main() {
	cli.Execute()
}
