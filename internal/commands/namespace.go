package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dotcommander/loopd/internal/output"
)

// namespaceIndex makes a bare command group (e.g. `loopd phase`) print a JSON
// index of its subcommands and the flags each one requires.
func namespaceIndex(cmd *cobra.Command) {
	cmd.RunE = func(c *cobra.Command, args []string) error {
		type subCmd struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Required    []string `json:"required,omitempty"`
		}
		type resp struct {
			Namespace   string   `json:"namespace"`
			Subcommands []subCmd `json:"subcommands"`
		}
		subs := []subCmd{}
		for _, child := range c.Commands() {
			if child.Hidden {
				continue
			}
			sc := subCmd{Name: child.Name(), Description: child.Short}
			child.Flags().VisitAll(func(f *pflag.Flag) {
				if isRequiredFlag(f) {
					sc.Required = append(sc.Required, "--"+f.Name)
				}
			})
			subs = append(subs, sc)
		}
		return output.PrintSuccess(resp{
			Namespace:   c.CommandPath(),
			Subcommands: subs,
		})
	}
}
