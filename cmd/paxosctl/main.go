package main

import (
	"log"

	"github.com/spf13/cobra"

	paxoscli "github.com/amirimatin/go-multipaxos/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "paxosctl",
		Short:         "multi-Paxos node and client CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	paxoscli.AddAll(root)
	return root
}
