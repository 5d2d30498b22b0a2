package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/phc-his/his/internal/rbac"
)

func policyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect permission policy files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a policy file and report its rule count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := compileFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy ok: %d rules, checksum %s\n", table.Len(), table.Checksum())
			return nil
		},
	})

	matrix := &cobra.Command{
		Use:   "matrix <file>",
		Short: "Print the role by module grants a policy file expands to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := compileFile(args[0])
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return WriteMatrix(cmd.OutOrStdout(), table, asJSON)
		},
	}
	matrix.Flags().Bool("json", false, "Emit the matrix as JSON")
	cmd.AddCommand(matrix)
	return cmd
}

func compileFile(path string) (*rbac.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	table, err := rbac.CompilePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s rejected: %w", path, err)
	}
	return table, nil
}

// WriteMatrix prints one line per granted module for every role. Roles with
// no grants are listed with "-".
func WriteMatrix(w io.Writer, table *rbac.Table, asJSON bool) error {
	rows := table.Matrix()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	title := cases.Title(language.English)
	fmt.Fprintf(w, "%-16s %-16s %s\n", "ROLE", "MODULE", "ACTIONS")
	for _, rg := range rows {
		name := rbac.DisplayName(title, rg.Role)
		if len(rg.Grants) == 0 {
			fmt.Fprintf(w, "%-16s %-16s %s\n", name, "-", "-")
			continue
		}
		for _, g := range rg.Grants {
			actions := make([]string, len(g.Actions))
			for i, a := range g.Actions {
				actions[i] = a.String()
			}
			fmt.Fprintf(w, "%-16s %-16s %s\n", name, g.Module.String(), strings.Join(actions, ","))
		}
	}
	return nil
}
