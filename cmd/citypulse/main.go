package main

import "citypulse/internal/cli"

func main() {
	cli.Execute()
}
