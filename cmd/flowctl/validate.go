package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"contact-center/internal/ivr"
	"contact-center/internal/routing"
)

var validateCmd = &cobra.Command{
	Use:   "validate <flow.yaml>...",
	Short: "Validate IVR flow files",
	Long:  `Run the same checks a flow goes through on publish: one start node, known edge targets, reachable nodes.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

var rulesCmd = &cobra.Command{
	Use:   "rules <rules.yaml>",
	Short: "Lint a routing rules file",
	Long:  `Parse a routing rules file, check strategies, conditions and fallback references, and print the evaluation order per team.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRules,
}

func init() {
	rootCmd.AddCommand(validateCmd, rulesCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		f, err := ivr.LoadFlowFile(path)
		if err != nil {
			failed++
			cmd.PrintErrf("FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s: flow %q, %d nodes, %d edges\n", path, f.ID, len(f.Nodes), len(f.Edges))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d flows invalid", failed, len(args))
	}
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	rules, err := routing.LoadRulesFile(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	byTeam := make(map[string][]routing.Rule)
	for _, r := range rules {
		team := r.TeamID
		if team == "" {
			team = "*"
		}
		byTeam[team] = append(byTeam[team], r)
	}
	teams := make([]string, 0, len(byTeam))
	for t := range byTeam {
		teams = append(teams, t)
	}
	sort.Strings(teams)

	for _, t := range teams {
		fmt.Fprintf(out, "team %s\n", t)
		for _, r := range byTeam[t] {
			state := ""
			if r.Disabled {
				state = " (disabled)"
			}
			fallback := ""
			if r.FallbackEnabled && r.FallbackRuleID != "" {
				fallback = " -> " + r.FallbackRuleID
			}
			fmt.Fprintf(out, "  %4d %s [%s, %d targets]%s%s\n", r.Priority, r.ID, r.Strategy, len(r.Targets), fallback, state)
		}
	}
	fmt.Fprintf(out, "%d rules ok\n", len(rules))
	return nil
}
