// Package cmd wires the CLI entry points: serve mode and the batch rescore.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "omnilead",
	Short: "OmniLead - unified conversation and lead-scoring engine",
	Long: `OmniLead answers customer messages across web, WhatsApp, voice and
social channels with one identity per customer, retrieves brand knowledge for
grounding, and keeps a lead score per conversation.

Run "omnilead serve" to start the chat API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
