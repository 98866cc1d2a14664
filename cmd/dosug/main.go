// Command dosug runs the leisure search Telegram bot.
package main

import (
	"os"

	"github.com/harun/dosug/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
