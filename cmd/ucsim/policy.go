package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
)

type policyOptions struct {
	access    string
	invited   []string
	domain    string
	bypass    string
	role      string
	regoFile  string
	regoQuery string
}

func newPolicyCmd(a *app) *cobra.Command {
	opts := &policyOptions{}
	cmd := &cobra.Command{
		Use:   "policy URI...",
		Short: "Показать решение политики допуска для участников",
		Long: `Вычисляет решение допуска (Admit, Deny, Pending) для каждого URI.
Незаданные флаги политики берутся из конфигурации.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := a.cfg.AdmissionPolicy()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("access") {
				if policy.AccessLevel, err = admission.ParseAccessLevel(opts.access); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("invited") {
				policy.Invited = opts.invited
			}
			if cmd.Flags().Changed("domain") {
				policy.EnterpriseDomain = opts.domain
			}
			if cmd.Flags().Changed("bypass") {
				if policy.LobbyBypass, err = admission.ParseLobbyBypass(opts.bypass); err != nil {
					return err
				}
			}
			role, err := roster.ParseRole(opts.role)
			if err != nil {
				return err
			}

			ev, err := a.evaluator(cmd.Context(), opts.regoFile, opts.regoQuery)
			if err != nil {
				return err
			}
			for _, uri := range args {
				p := roster.Participant{URI: uri, Role: role}
				decision, err := ev.Evaluate(cmd.Context(), p, policy)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if err := json.NewEncoder(a.out).Encode(map[string]string{
						"participant": p.Key(), "role": role.String(),
						"access": policy.AccessLevel.String(), "decision": decision.String(),
					}); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(a.out, "%s\t%s\n", p.Key(), decision)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.access, "access", "", "уровень доступа (Invited, SameEnterprise, Everyone, Locked)")
	cmd.Flags().StringSliceVar(&opts.invited, "invited", nil, "приглашенные участники")
	cmd.Flags().StringVar(&opts.domain, "domain", "", "домен предприятия")
	cmd.Flags().StringVar(&opts.bypass, "bypass", "", "обход лобби (None, gateway)")
	cmd.Flags().StringVar(&opts.role, "role", "Attendee", "роль участников")
	cmd.Flags().StringVar(&opts.regoFile, "rego", "", "Rego-модуль политики")
	cmd.Flags().StringVar(&opts.regoQuery, "rego-query", "", "запрос решения в Rego-модуле")
	return cmd
}
