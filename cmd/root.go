// Package cmd implements the skipper command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "skipper",
	Short: "Skipper - sales assistant chat service for the showroom site",
	Long: `Skipper runs the conversation core behind the website's sales
assistant: it classifies each customer message, grounds it against the
dealership knowledge document, streams the assistant's reply, and extracts
side-effect command payloads (lead capture, SMS, price alerts, financing
offers) from the response.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
