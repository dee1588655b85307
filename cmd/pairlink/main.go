package main

import (
	"os"

	"pairlink/cmd/internal/app"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(app.Main(version))
}
