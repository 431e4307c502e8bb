package main

import (
	"fmt"

	"github.com/basekick-labs/lpdecode/pkg/lineprotocol"
	"github.com/spf13/cobra"
)

var castCmd = &cobra.Command{
	Use:   "cast <value>",
	Short: "Show how a raw field value is typed",
	Long: `Cast one raw field value and print its type and value.

Examples:
  lpdecode cast 42i       # integer 42
  lpdecode cast 1.5e3     # float 1500
  lpdecode cast T         # boolean true
  lpdecode cast '"idle"'  # string "idle"`,
	Args: cobra.ExactArgs(1),
	RunE: runCast,
}

func init() {
	rootCmd.AddCommand(castCmd)
}

func runCast(cmd *cobra.Command, args []string) error {
	v, err := lineprotocol.Cast(args[0])
	if err != nil {
		return fmt.Errorf("%q: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", v.Kind(), v)
	return nil
}
