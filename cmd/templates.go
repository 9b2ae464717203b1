package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/template"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage orchestration templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available templates",
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := openTemplateStore()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSYSTEM\tDESCRIPTION")
		for _, meta := range store.List() {
			system := ""
			if meta.System {
				system = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", meta.ID, meta.Name, system, meta.Description)
		}
		return w.Flush()
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a resolved template as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openTemplateStore()
		if err != nil {
			return err
		}
		tpl, err := store.Get(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(tpl, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var templatesDuplicateCmd = &cobra.Command{
	Use:   "duplicate <id> <new-name>",
	Short: "Copy a template (including built-ins) into an editable one",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openTemplateStore()
		if err != nil {
			return err
		}
		tpl, err := store.Duplicate(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("created template %s\n", tpl.ID)
		return nil
	},
}

var templatesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a user template",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openTemplateStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted template %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
	templatesCmd.AddCommand(templatesDuplicateCmd)
	templatesCmd.AddCommand(templatesDeleteCmd)
}

func openTemplateStore() (*template.Store, error) {
	cleanup, err := initLogging()
	if err != nil {
		return nil, err
	}
	_ = cleanup // process exits right after the command
	return template.NewStore(cfg.TemplateDir())
}
