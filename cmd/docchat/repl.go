package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"docchat/internal/conversation"
	"docchat/internal/rag"
)

var (
	youLabel = color.New(color.FgGreen, color.Bold).SprintFunc()
	aiLabel  = color.New(color.FgCyan, color.Bold).SprintFunc()
	warn     = color.New(color.FgYellow).SprintFunc()
)

// converse reads questions from in until exit, quit or EOF and streams each
// reply to out as it arrives.
func converse(ctx context.Context, rt *cliEnv, sessionID string, ix *rag.Index, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Persona: %s | Language: %s\n", persona, language)
	fmt.Fprintln(out, "Type 'exit' or 'quit' to stop.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, youLabel("You: "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(query) {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Goodbye 👋")
			return nil
		}

		fmt.Fprint(out, aiLabel("AI: "))
		turn := rt.engine.Stream(ctx, conversation.TurnInput{
			SessionID: sessionID,
			Query:     query,
			Persona:   persona,
			Language:  language,
			UseRAG:    ix != nil,
			Index:     ix,
		})
		for frag, err := range turn {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, warn("error: "+err.Error()))
				break
			}
			fmt.Fprint(out, frag.Content)
		}
		fmt.Fprint(out, "\n\n")
	}
}

func stdinOut() (io.Reader, io.Writer) {
	return os.Stdin, color.Output
}
