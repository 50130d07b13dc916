package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arzzra/uc_session/internal/config"
	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/logging"
)

// app общее состояние команд
type app struct {
	configFile string
	jsonOutput bool
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout, errOut: os.Stderr}

	root := &cobra.Command{
		Use:   "ucsim",
		Short: "Симулятор оркестрации UC-сессий",
		Long: `ucsim выполняет сценарии звонков и конференций против транспорта в памяти:
планирование, подключение, лобби, эскалацию и завершение.

Примеры:
  # выполнить сценарии из файла
  ucsim run scenarios.yaml

  # события в JSON, политика допуска из Rego
  ucsim run --json --rego policy.rego scenarios.yaml

  # проверить решение политики для участника
  ucsim policy --access locked --invited sip:alice@example.com sip:bob@example.com`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "YAML-файл конфигурации")
	root.PersistentFlags().BoolVarP(&a.jsonOutput, "json", "j", false, "вывод событий и отчетов в JSON")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "уровень журнала (trace, debug, info, warn, error)")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newPolicyCmd(a))
	return root
}

// setup загружает конфигурацию и настраивает журнал
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	a.cfg = cfg
	a.logger = logging.New(a.errOut, logging.Options{
		Level:   level,
		Console: cfg.Log.Format == "console" && !a.jsonOutput,
	})
	slog.SetDefault(a.logger)
	return nil
}

// evaluator вычислитель допуска: Rego-модуль из файла или встроенная матрица
func (a *app) evaluator(ctx context.Context, regoFile, query string) (admission.Evaluator, error) {
	if regoFile == "" {
		regoFile = a.cfg.Policy.RegoFile
	}
	if query == "" {
		query = a.cfg.Policy.RegoQuery
	}
	if regoFile == "" {
		return admission.MatrixEvaluator{}, nil
	}
	module, err := os.ReadFile(regoFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read rego policy %s", regoFile)
	}
	ev, err := admission.NewRegoEvaluator(ctx, string(module), query)
	if err != nil {
		return nil, err
	}
	a.logger.Info("ucsim rego policy loaded", slog.String("file", regoFile))
	return ev, nil
}
