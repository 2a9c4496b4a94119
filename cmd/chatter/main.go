// Chatter - terminal chat client
package main

import (
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/chatterhq/chatter/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	cli.Execute()
}
