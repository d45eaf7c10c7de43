package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "列出全部实例",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}

		instances, err := manager.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tSTATE\tCREATED\tSANDBOX")
		for _, inst := range instances {
			kind := inst.Kind
			if kind == "" {
				kind = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inst.Name, kind, inst.State,
				inst.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				inst.SandboxPath)
		}
		return w.Flush()
	},
}
