package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

var controlTimeout = 10 * time.Second

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Send a document through the proxy",
	Long: `Send a document to the analysis service through the proxy.

If the analysis service is unreachable the proxy keeps the document and
reports it as pending. No further document can be submitted until the
pending one is retried or cleared.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resend the pending document",
	Args:  cobra.NoArgs,
	RunE:  runRetry,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pending document, if any",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard the pending document without sending it",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

// unreachableControl stands in when the control channel cannot be opened.
type unreachableControl struct {
	err error
}

func (u unreachableControl) GetPending(context.Context) (*model.PendingMetadata, error) {
	return nil, u.err
}

func (u unreachableControl) FetchPending(context.Context) (*model.PendingSubmission, error) {
	return nil, u.err
}

func (u unreachableControl) ClearPending(context.Context) error {
	return u.err
}

// dialControl opens the control channel of the configured proxy.
func dialControl(ctx context.Context, cfg *config.ClientConfig) (*service.WSControl, error) {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	return service.DialControl(dialCtx, cfg.ControlURL, header, service.WithReplyTimeout(controlTimeout))
}

// newSubmitter connects to the proxy and learns about any pending document.
// A broken control channel only costs the pending check.
func newSubmitter(ctx context.Context, cfg *config.ClientConfig) (*service.Submitter, func(), error) {
	var control service.ControlClient
	closeFn := func() {}

	ws, err := dialControl(ctx, cfg)
	if err != nil {
		slog.Warn("control channel unavailable", "url", cfg.ControlURL, "error", err)
		control = unreachableControl{err: err}
	} else {
		control = ws
		closeFn = func() { ws.Close() }
	}

	sub := service.NewSubmitter(cfg, control,
		service.WithControlTimeout(controlTimeout),
		service.WithStateListener(func(s model.ClientState) {
			slog.Debug("submission state changed", "state", s.String())
		}))
	if err := sub.Start(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return sub, closeFn, nil
}

func readDocument(path string) (service.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return service.Document{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return service.Document{}, err
	}
	return service.Document{
		Filename:     filepath.Base(path),
		MimeType:     mimetype.Detect(data).String(),
		LastModified: info.ModTime(),
		Data:         data,
	}, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	doc, err := readDocument(args[0])
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	ctx := cmd.Context()
	sub, closeFn, err := newSubmitter(ctx, &cfg.Client)
	if err != nil {
		return err
	}
	defer closeFn()

	outcome, err := sub.Submit(ctx, doc)
	if errors.Is(err, model.ErrSubmissionBlocked) {
		return fmt.Errorf("%w; run 'standby retry' or 'standby clear' first", err)
	}
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), outcome)
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	sub, closeFn, err := newSubmitter(ctx, &cfg.Client)
	if err != nil {
		return err
	}
	defer closeFn()

	outcome, err := sub.Retry(ctx)
	if errors.Is(err, model.ErrNothingPending) {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending document.")
		return nil
	}
	if err != nil {
		return err
	}
	if outcome.Kind == model.OutcomePending {
		fmt.Fprintln(cmd.OutOrStdout(), "Analysis service still unreachable.")
	}
	return printOutcome(cmd.OutOrStdout(), outcome)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	control, err := dialControl(ctx, &cfg.Client)
	if err != nil {
		return err
	}
	defer control.Close()

	reqCtx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	meta, err := control.GetPending(reqCtx)
	if err != nil {
		return err
	}
	printPending(cmd.OutOrStdout(), meta)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	control, err := dialControl(ctx, &cfg.Client)
	if err != nil {
		return err
	}
	defer control.Close()

	reqCtx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	if err := control.ClearPending(reqCtx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Pending document discarded.")
	return nil
}

// printOutcome reports a submission outcome; a failure is returned as the error.
func printOutcome(w io.Writer, o model.Outcome) error {
	switch o.Kind {
	case model.OutcomeDelivered:
		result, err := model.DecodeAnalysis(o.Body)
		if err != nil {
			fmt.Fprintf(w, "Delivered (HTTP %d)\n%s\n", o.StatusCode, o.Body)
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "File:\t%s\n", result.Filename)
		fmt.Fprintf(tw, "Type:\t%s\n", result.Type)
		fmt.Fprintf(tw, "Duration:\t%s\n", result.Duration)
		fmt.Fprintf(tw, "Risk:\t%s\n", result.Risk)
		fmt.Fprintf(tw, "Compliance:\t%s\n", result.Compliance)
		fmt.Fprintf(tw, "Recommendation:\t%s\n", result.Recommendation)
		return tw.Flush()

	case model.OutcomePending:
		name := ""
		if o.Pending != nil {
			name = o.Pending.Filename
		}
		fmt.Fprintf(w, "Pending: %s (%s). Run 'standby retry' once the analysis service is back.\n", name, o.Reason)
		return nil

	default:
		if o.StatusCode != 0 && len(o.Body) > 0 && model.ErrorKind(o.Err) == model.KindApplication {
			return fmt.Errorf("%w: %s", o.Err, o.Body)
		}
		return o.Err
	}
}

func printPending(w io.Writer, meta *model.PendingMetadata) {
	if meta == nil {
		fmt.Fprintln(w, "No pending document.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "File:\t%s\n", meta.Filename)
	fmt.Fprintf(tw, "Type:\t%s\n", meta.MimeType)
	fmt.Fprintf(tw, "Size:\t%d bytes\n", meta.Size)
	fmt.Fprintf(tw, "Modified:\t%s\n", meta.LastModified.Format(time.RFC3339))
	fmt.Fprintf(tw, "Stored:\t%s\n", meta.StoredAt.Format(time.RFC3339))
	tw.Flush()
}
