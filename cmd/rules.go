package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/socialwatch/sentinel/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect alert rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a YAML rule file and report malformed rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateRuleFile(cmd, args[0])
		},
	})
	return cmd
}

func validateRuleFile(cmd *cobra.Command, path string) error {
	list, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	invalid := 0
	for _, r := range list {
		if err := rules.Validate(r); err != nil {
			invalid++
			fmt.Fprintf(out, "FAIL %s: %v\n", r.ID, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", r.ID)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d rules invalid", invalid, len(list))
	}
	if len(list) == 0 {
		return errors.New("no rules found")
	}
	return nil
}
