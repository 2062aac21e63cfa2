// Command prodigy runs declarative YAML workflows that drive AI coding
// agents through sequential and MapReduce execution.
package main

import (
	"os"

	"github.com/prodigy-cli/prodigy/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
