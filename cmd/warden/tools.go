package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools and their policies",
	RunE:  runTools,
}

func runTools(_ *cobra.Command, _ []string) error {
	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var rows [][]string
	for _, t := range sc.Registry.All() {
		role := string(t.RequiredRole())
		if role == "" {
			role = "any"
		}
		rows = append(rows, []string{t.Name(), role, strconv.FormatBool(t.RequiresApproval()), t.Description()})
	}
	fmt.Println(renderCatalog([]string{"Tool", "Role", "Approval", "Description"}, rows))
	return nil
}

func renderCatalog(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers(headers...).
		Rows(rows...).
		String()
}
