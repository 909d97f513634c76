package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/iago/erpnext-dispatch/internal/app"
	"github.com/iago/erpnext-dispatch/internal/config"
	callcontext "github.com/iago/erpnext-dispatch/internal/context"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/logging"
	"github.com/spf13/cobra"
)

// errOperationFailed marks a failure envelope that was already printed.
var errOperationFailed = errors.New("operation failed")

type dispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) domain.Envelope
	Operations() []domain.OperationDescriptor
}

type dispatcherFactory func(options globalOptions) (dispatcher, error)

type globalOptions struct {
	envFiles []string
	logLevel string
}

func newStackDispatcher(options globalOptions) (dispatcher, error) {
	if err := config.LoadDotEnv(options.envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	cfg := config.Load()
	if options.logLevel != "" {
		cfg.LogLevel = options.logLevel
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true, Output: os.Stderr})

	stack, err := app.NewStack(cfg, logger)
	if err != nil {
		return nil, err
	}
	return stack.Dispatcher, nil
}

func newRootCmd(out io.Writer, factory dispatcherFactory) *cobra.Command {
	options := globalOptions{}

	root := &cobra.Command{
		Use:   "erpctl",
		Short: "Run ERPNext business operations from the command line",
		Long: `erpctl dispatches catalog operations against ERPNext using the same
configuration as the API host (ERPNEXT_* variables or .env files).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&options.envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files to load")
	root.PersistentFlags().StringVar(&options.logLevel, "log-level", "warn", "log level written to stderr")

	var domainFilter string
	operationsCmd := &cobra.Command{
		Use:   "operations",
		Short: "List dispatchable operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := factory(options)
			if err != nil {
				return err
			}
			return printOperations(out, d.Operations(), domainFilter)
		},
	}
	operationsCmd.Flags().StringVar(&domainFilter, "domain", "", "only list operations of this business domain")
	root.AddCommand(operationsCmd)

	var rawParams string
	dispatchCmd := &cobra.Command{
		Use:   "dispatch OPERATION",
		Short: "Dispatch one operation and print its envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if strings.TrimSpace(rawParams) != "" {
				decoder := json.NewDecoder(strings.NewReader(rawParams))
				decoder.UseNumber()
				if err := decoder.Decode(&params); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}
			d, err := factory(options)
			if err != nil {
				return err
			}
			return run(cmd.Context(), out, d, args[0], params)
		},
	}
	dispatchCmd.Flags().StringVar(&rawParams, "params", "{}", "operation params as a JSON object")
	root.AddCommand(dispatchCmd)

	var company, fromDate, toDate, periodicity string
	reportCmd := &cobra.Command{
		Use:   "report REPORT_TYPE",
		Short: "Run a financial report and print its envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"report_type": args[0],
				"company":     company,
				"from_date":   fromDate,
				"to_date":     toDate,
			}
			if periodicity != "" {
				params["periodicity"] = periodicity
			}
			d, err := factory(options)
			if err != nil {
				return err
			}
			return run(cmd.Context(), out, d, "get_financial_statements", params)
		},
	}
	reportCmd.Flags().StringVar(&company, "company", "", "company name")
	reportCmd.Flags().StringVar(&fromDate, "from", "", "period start (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&toDate, "to", "", "period end (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&periodicity, "periodicity", "", "Daily, Weekly, Monthly, Quarterly, Half-yearly or Yearly")
	root.AddCommand(reportCmd)

	return root
}

func run(ctx context.Context, out io.Writer, d dispatcher, operation string, params map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = callcontext.WithRequestID(ctx, uuid.NewString())
	ctx = callcontext.WithSource(ctx, callcontext.SourceCLI)

	envelope := d.Dispatch(ctx, operation, params)
	encoded, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := fmt.Fprintln(out, string(encoded)); err != nil {
		return err
	}
	if !envelope.Success {
		return errOperationFailed
	}
	return nil
}

func printOperations(out io.Writer, operations []domain.OperationDescriptor, domainFilter string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDOMAIN\tKIND\tTARGET")
	for _, op := range operations {
		if domainFilter != "" && !strings.EqualFold(op.Domain, domainFilter) {
			continue
		}
		target := op.DocType
		if op.Kind == domain.KindRunReport {
			target = op.ReportType
			if target == "" {
				target = "(report_type)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.Name, op.Domain, op.Kind, target)
	}
	return w.Flush()
}
