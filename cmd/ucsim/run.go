package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/arzzra/uc_session/internal/scenario"
	"github.com/arzzra/uc_session/pkg/orchestrator"
	"github.com/arzzra/uc_session/pkg/simtransport"
)

type runOptions struct {
	regoFile     string
	regoQuery    string
	simulated    bool
	parallel     bool
	printMetrics bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Выполнить сценарии",
		Long: `Выполняет сценарии из YAML-файлов. Файл может содержать несколько документов,
разделенных ---. Код возврата ненулевой, если хотя бы один сценарий не прошел.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.regoFile, "rego", "", "Rego-модуль политики допуска вместо встроенной матрицы")
	cmd.Flags().StringVar(&opts.regoQuery, "rego-query", "", "запрос решения в Rego-модуле")
	cmd.Flags().BoolVar(&opts.simulated, "simulated-clock", true, "симулированное время (нужно для шагов advance)")
	cmd.Flags().BoolVarP(&opts.parallel, "parallel", "p", false, "выполнять сценарии параллельно")
	cmd.Flags().BoolVar(&opts.printMetrics, "metrics", false, "вывести метрики Prometheus после выполнения")
	return cmd
}

func (a *app) run(ctx context.Context, opts *runOptions, files []string) error {
	var all []scenario.Scenario
	for _, f := range files {
		scs, err := scenario.Load(f)
		if err != nil {
			return err
		}
		all = append(all, scs...)
	}

	evaluator, err := a.evaluator(ctx, opts.regoFile, opts.regoQuery)
	if err != nil {
		return err
	}
	policy, err := a.cfg.AdmissionPolicy()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(reg, a.cfg.OrchestratorMetrics())
	registry := orchestrator.NewRegistry(a.logger)
	out := newPrinter(a.out, a.jsonOutput, a.logger)

	var clock clockwork.Clock = clockwork.NewRealClock()
	if opts.simulated {
		clock = clockwork.NewFakeClock()
	}

	runner := scenario.NewRunner(
		scenario.WithConfig(a.cfg.Session),
		scenario.WithPolicy(policy),
		scenario.WithEvaluator(evaluator),
		scenario.WithMetrics(metrics),
		scenario.WithRegistry(registry),
		scenario.WithLogger(a.logger),
		scenario.WithClock(clock),
		scenario.WithSetup(func(sc scenario.Scenario, o *orchestrator.Orchestrator, _ *simtransport.Transport) {
			out.attach(sc.Name, o)
		}),
	)

	var (
		mu     sync.Mutex
		failed int
	)
	runOne := func(sc scenario.Scenario) {
		report, err := runner.Run(ctx, sc)
		if report == nil {
			report = &scenario.Report{Scenario: sc.Name}
		}
		out.report(report, err)
		if err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
		}
	}

	if opts.parallel {
		var wg sync.WaitGroup
		for _, sc := range all {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runOne(sc)
			}()
		}
		wg.Wait()
	} else {
		for _, sc := range all {
			if ctx.Err() != nil {
				break
			}
			runOne(sc)
		}
	}

	if n := registry.Count(); n > 0 {
		a.logger.Warn("ucsim sessions not archived", slog.Int("count", n))
	}
	if opts.printMetrics {
		if err := writeMetrics(a, reg); err != nil {
			return err
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d scenarios failed", failed, len(all))
	}
	return nil
}

// writeMetrics выводит метрики в текстовом формате Prometheus
func writeMetrics(a *app, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	enc := expfmt.NewEncoder(a.errOut, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.Wrap(err, "encode metrics")
		}
	}
	return nil
}
