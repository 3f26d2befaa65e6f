package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/healthsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"github.com/MarcoPoloResearchLab/healthsync/internal/server"
	"github.com/MarcoPoloResearchLab/healthsync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var errUnreachable = errors.New("remote endpoint unreachable")

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API used by the capture UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := viper.GetViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed to call the API")
	cmd.Flags().Duration("poll-interval", defaults.GetDuration("connectivity.poll_interval"), "Background reachability poll interval")
	bindLocalFlag(cmd, "http.address", "http-address")
	bindLocalFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindLocalFlag(cmd, "connectivity.poll_interval", "poll-interval")
	return cmd
}

func runServer(ctx context.Context) error {
	runtime, err := openRuntime(false)
	if err != nil {
		return err
	}
	defer runtime.Close()
	logger := runtime.logger

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{
		Checker:  runtime.probe,
		Interval: runtime.config.PollInterval,
		Logger:   logger.Named("monitor"),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Records:        runtime.store,
		Gate:           runtime.gate,
		Reachability:   monitor,
		Syncer:         runtime.engine,
		Realtime:       server.NewRealtimeDispatcher(),
		AllowedOrigins: runtime.config.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	go monitor.Run(signalCtx)

	httpServer := &http.Server{
		Addr:              runtime.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", runtime.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newRecordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture and inspect local records",
	}
	cmd.AddCommand(newRecordAddCommand(), newRecordListCommand())
	return cmd
}

func newRecordAddCommand() *cobra.Command {
	var (
		fields  []string
		consent bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new pending record",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseFields(fields)
			if err != nil {
				return err
			}
			runtime, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer runtime.Close()

			record, err := runtime.store.Create(cmd.Context(), payload, consent)
			if errors.Is(err, records.ErrConsentRequired) {
				return fmt.Errorf("record not saved: pass --consent once the guardian has agreed")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", record.LocalID, record.HealthID, record.Status())
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "Record field as key=value (repeatable)")
	cmd.Flags().BoolVar(&consent, "consent", false, "Guardian consent was given")
	return cmd
}

func parseFields(values []string) (records.Payload, error) {
	payload := make(records.Payload, len(values))
	for _, value := range values {
		key, fieldValue, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q, expected key=value", value)
		}
		payload[key] = fieldValue
	}
	return payload, nil
}

func newRecordListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every local record with its upload status",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer runtime.Close()

			stored, err := runtime.store.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "LOCAL ID\tHEALTH ID\tNAME\tSTATUS")
			for _, record := range stored {
				fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", record.LocalID, record.HealthID, record.DisplayName(), record.Status())
			}
			return writer.Flush()
		},
	}
}

func newSyncCommand() *cobra.Command {
	var credential string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer runtime.Close()

			if !runtime.gate.Authenticate(cmd.Context(), credential) {
				return fmt.Errorf("credential rejected")
			}
			report, err := runtime.engine.Sync(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: attempted=%d succeeded=%d failed=%d\n",
				report.RunID, report.Attempted, report.Succeeded, report.Failed)
			if report.FirstError != nil {
				return describeUploadFailure(report.FirstError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "One-time code or session token")
	return cmd
}

func describeUploadFailure(err error) error {
	var uploadErr *syncer.UploadError
	if errors.As(err, &uploadErr) && uploadErr.Permanent {
		return fmt.Errorf("remote rejected %s, fix the record before retrying: %w", uploadErr.HealthID, err)
	}
	return fmt.Errorf("sync stopped early, run it again later: %w", err)
}

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether the remote is reachable right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer runtime.Close()

			if !runtime.probe.CheckReachable(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), "unreachable")
				return errUnreachable
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reachable")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "healthsync %s\n", version)
		},
	}
}
