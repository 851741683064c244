package main

import "github.com/ppiankov/dataguard/internal/cli"

func main() {
	cli.Execute()
}
