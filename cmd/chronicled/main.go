package main

import (
	"log"

	"github.com/spf13/cobra"

	chroniclecli "github.com/chronicle-db/chronicle/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "chronicled",
		Short:         "chronicle leader-lifecycle node and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	chroniclecli.AddAll(root)
	return root
}
