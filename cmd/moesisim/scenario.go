package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/moesisim/timing/system"
)

func (a *app) scenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "scenario [A|B|C|D|E|all]",
		Short:     "Run the directed protocol scenarios on fresh machines.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"A", "B", "C", "D", "E", "all"},
		RunE: func(_ *cobra.Command, args []string) error {
			which := "all"
			if len(args) == 1 {
				which = args[0]
			}

			scenarios := system.Scenarios()
			if !strings.EqualFold(which, "all") {
				sc, ok := system.LookupScenario(which)
				if !ok {
					return fmt.Errorf("unknown scenario %q", which)
				}
				scenarios = []system.Scenario{sc}
			}

			return a.runScenarios(scenarios)
		},
	}
}

func (a *app) runScenarios(scenarios []system.Scenario) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	failed := 0

	for _, sc := range scenarios {
		s, err := system.MakeBuilder().WithConfig(cfg).Build("Machine")
		if err != nil {
			return err
		}

		r, err := sc.Run(s)
		if err != nil {
			return err
		}

		status := "PASS"
		if !r.Passed() {
			status = "FAIL"
			failed++
		}

		states := make([]string, len(r.States))
		for i, st := range r.States {
			states[i] = st.String()
		}

		fmt.Fprintf(a.out, "Scenario %s: %s\n", r.Name, status)
		fmt.Fprintf(a.out, "  %s\n", r.Description)
		fmt.Fprintf(a.out, "  States:         [%s]\n", strings.Join(states, " "))
		fmt.Fprintf(a.out, "  Data:           0x%016X (latency %d)\n",
			r.Response.Data, r.Response.Latency())
		fmt.Fprintf(a.out, "  Bus:            %d rd, %d rdx, %d upg\n",
			r.Delta.Bus.Reads, r.Delta.Bus.ReadExclusives, r.Delta.Bus.Upgrades)
		fmt.Fprintf(a.out, "  Cache-to-cache: %d\n", r.Delta.Bus.CacheToCache)
		fmt.Fprintf(a.out, "  Memory:         %d reads, %d writes\n",
			r.Delta.Memory.Reads, r.Delta.Memory.Writes)

		for _, f := range r.Failures {
			fmt.Fprintf(a.out, "  ! %s\n", f)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}

	return nil
}
