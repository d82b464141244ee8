package main

import "github.com/nghyane/codex-mux/internal/cli"

func main() {
	cli.Execute()
}
