// Command firestarter turns a website into a searchable RAG chatbot.
// It provides a CLI interface (via Cobra) for indexing sites and asking
// questions, and an HTTP server exposing the dashboard API and an
// OpenAI-compatible chat completions endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/firestarter-go/cmd/firestarter/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
