package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/collab"
)

func runCMD(cfgPath *string) *cobra.Command {
	var (
		query    string
		mode     string
		thread   string
		org      string
		backends []string
		dryRun   bool
		asJSON   bool
	)
	var run = &cobra.Command{
		Use:   "run",
		Short: "Run one collaboration and print its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(query) == "" && len(args) > 0 {
				query = strings.Join(args, " ")
			}
			m, err := collab.ParseMode(mode)
			if err != nil {
				return err
			}
			return withApp(*cfgPath, dryRun, func(ctx context.Context, a *app) error {
				res, err := a.controller.Begin(ctx, collab.BeginRequest{
					Org: org, ThreadID: thread, Query: query, Mode: m, Backends: backends,
				}, printer(cmd.OutOrStdout(), asJSON))
				return report(cmd.OutOrStdout(), res, err, asJSON)
			})
		},
	}
	run.Flags().StringVarP(&query, "query", "q", "", "request text (or pass it as arguments)")
	run.Flags().StringVar(&mode, "mode", "auto", "auto or manual")
	run.Flags().StringVar(&thread, "thread", "", "conversation thread seeding the analyst")
	run.Flags().StringVar(&org, "org", "default", "organisation whose keys are used")
	run.Flags().StringSliceVar(&backends, "backend", nil, "restrict to these backends (repeatable)")
	run.Flags().BoolVar(&dryRun, "dry-run", false, "use a scripted local backend and in-memory storage")
	run.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return run
}

func resumeCMD(cfgPath *string) *cobra.Command {
	var (
		runID    string
		decision string
		editFile string
		asJSON   bool
	)
	var resume = &cobra.Command{
		Use:   "resume",
		Short: "Answer a paused run's checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := collab.Decision{Kind: collab.DecisionKind(strings.ToLower(decision))}
			if editFile != "" {
				raw, err := os.ReadFile(editFile)
				if err != nil {
					return err
				}
				d.Kind = collab.DecisionEdit
				d.EditedText = string(raw)
			}
			if err := d.Validate(); err != nil {
				return err
			}
			return withApp(*cfgPath, false, func(ctx context.Context, a *app) error {
				res, err := a.controller.Resume(ctx, runID, d, printer(cmd.OutOrStdout(), asJSON))
				return report(cmd.OutOrStdout(), res, err, asJSON)
			})
		},
	}
	resume.Flags().StringVar(&runID, "run", "", "run id")
	resume.Flags().StringVar(&decision, "decision", "accept", "accept, edit or cancel")
	resume.Flags().StringVar(&editFile, "edit-file", "", "file with the replacement stage output (implies edit)")
	resume.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	_ = resume.MarkFlagRequired("run")
	return resume
}

func withApp(cfgPath string, dryRun bool, fn func(context.Context, *app) error) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	a, err := buildApp(ctx, cfg, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// printer writes one line per event. Final chunks are streamed as raw text.
func printer(w io.Writer, asJSON bool) collab.Sink {
	return collab.FuncSink(func(_ context.Context, ev collab.Event) error {
		if asJSON {
			return json.NewEncoder(w).Encode(ev)
		}
		var err error
		switch ev.Type {
		case collab.EventPhaseStart:
			_, err = fmt.Fprintf(w, "== %s\n", ev.Phase)
		case collab.EventStageStart:
			_, err = fmt.Fprintf(w, "-> %s on %s/%s\n", ev.Role, ev.Backend, ev.Model)
		case collab.EventStageEnd:
			if ev.Stage != nil {
				_, err = fmt.Fprintf(w, "<- %s %s (%s, %d tokens)\n", ev.Stage.Role, ev.Stage.Status, ev.Stage.Latency, ev.Stage.InputTokens+ev.Stage.OutputTokens)
			}
		case collab.EventCouncilProgress:
			stance := ""
			if ev.Review != nil {
				stance = string(ev.Review.Stance)
			}
			_, err = fmt.Fprintf(w, "   review %d/%d %s %s\n", ev.Completed, ev.Total, ev.Backend, stance)
		case collab.EventFinalChunk:
			_, err = io.WriteString(w, ev.Chunk)
			if err == nil && ev.Index == ev.Count {
				_, err = io.WriteString(w, "\n")
			}
		case collab.EventCheckpoint:
			_, err = fmt.Fprintf(w, "paused after %s:\n%s\n", ev.Role, ev.Output)
		default:
			_, err = fmt.Fprintf(w, "%s %s\n", ev.Type, ev.Message)
		}
		return err
	})
}

func report(w io.Writer, run *collab.Run, err error, asJSON bool) error {
	if run == nil {
		return err
	}
	if !asJSON && run.State == collab.StatePaused {
		fmt.Fprintf(w, "run %s paused; continue with: council resume --run %s --decision accept|cancel [--edit-file FILE]\n", run.ID, run.ID)
	}
	if run.State == collab.StateError {
		return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
	}
	return nil
}
