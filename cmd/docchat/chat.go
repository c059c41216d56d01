package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runChat(cmd *cobra.Command, _ []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()

	in, out := stdinOut()
	fmt.Fprintln(out, "\n🤖 docchat")
	return converse(cmd.Context(), rt, "cli-session", nil, in, out)
}
