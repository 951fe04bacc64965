package main

import "github.com/brandon/mail-syncback/internal/cli"

func main() {
	cli.Execute()
}
