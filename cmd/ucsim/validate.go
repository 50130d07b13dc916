package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/uc_session/internal/scenario"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Проверить файлы сценариев без выполнения",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range args {
				scs, err := scenario.Load(f)
				if err != nil {
					return err
				}
				for _, sc := range scs {
					if a.jsonOutput {
						if err := json.NewEncoder(a.out).Encode(map[string]any{
							"file": f, "scenario": sc.Name, "kind": sc.SessionKind().String(), "steps": len(sc.Steps),
						}); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(a.out, "%s: %s (%s, %d steps)\n", f, sc.Name, sc.SessionKind(), len(sc.Steps))
				}
			}
			return nil
		},
	}
}
