package cli

import "github.com/spf13/cobra"

// NewRootCommand assembles the hisctl command tree. open builds the queue
// helpers for the jobs subcommands; nil uses NewJobsCLI.
func NewRootCommand(open JobsCLIFactory) *cobra.Command {
	if open == nil {
		open = NewJobsCLI
	}
	root := &cobra.Command{
		Use:           "hisctl",
		Short:         "Operator tooling for the HIS access-control core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(policyCommand())
	root.AddCommand(jobsCommand(open))
	return root
}
