package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/httpapi"
	"github.com/example/agent-market/agentbuild/internal/model"
	"github.com/example/agent-market/agentbuild/internal/tracker"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:    "agentbuild",
		Version: version,
		Usage:   "Request APK builds for agents and follow them until they finish",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Sources: cli.EnvVars("AGENTBUILD_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error), overrides logging.level",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			submitCmd(),
			resumeCmd(),
			listCmd(),
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Resume in-flight builds and serve the local HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.addr",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			addr := a.cfg.Server.Addr
			if v := cmd.String("addr"); v != "" {
				addr = v
			}

			if _, err := a.tracker.ScanAndResume(ctx); err != nil {
				log.Warn().Err(err).Msg("resume in-flight builds")
			}

			srv := &http.Server{
				Addr: addr,
				Handler: httpapi.Server{
					Tracker: a.tracker,
					Blobs:   a.blobs,
					UserID:  a.cfg.Service.UserID,
				}.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", addr).Str("service", a.cfg.Service.BaseURL).Msg("API listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Request an APK build for an agent and wait for it",
		ArgsUsage: "<agent-id> <agent-name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "user-id",
				Usage: "Requesting user, overrides service.user_id",
			},
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "Return once the build is accepted",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("expected <agent-id> <agent-name>, got %d argument(s)", cmd.Args().Len())
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := stdout(cmd)
			w := watchBuilds(a.tracker, out)
			defer w.stop()

			userID := a.cfg.Service.UserID
			if v := cmd.String("user-id"); v != "" {
				userID = v
			}
			agentName := cmd.Args().Get(1)
			jobID, err := a.tracker.Submit(ctx, tracker.SubmitRequest{
				OwnerID:     cmd.Args().Get(0),
				DisplayName: agentName,
				RequesterID: userID,
			})
			if err != nil {
				var failed *tracker.SubmissionFailed
				if errors.As(err, &failed) {
					return errors.New(failed.Message)
				}
				return err
			}
			fmt.Fprintf(out, "Building APK for %s (job %s)\n", agentName, jobID)
			if cmd.Bool("no-wait") {
				return nil
			}
			err = w.wait(ctx, out, jobID)
			a.waitDownloads(ctx)
			return err
		},
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Pick up builds left running by an earlier session and wait for them",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := stdout(cmd)
			w := watchBuilds(a.tracker, out)
			defer w.stop()

			resumed, err := a.tracker.ScanAndResume(ctx)
			if err != nil {
				return err
			}
			if len(resumed) == 0 {
				fmt.Fprintln(out, "No builds in flight")
				return nil
			}
			fmt.Fprintf(out, "Watching %d build(s)\n", len(resumed))
			err = w.wait(ctx, out, resumed...)
			a.waitDownloads(ctx)
			return err
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Show builds in flight and recent outcomes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "agent",
				Usage: "Only show history for this agent id",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of history entries",
				Value: 10,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			active, err := a.tracker.Active(ctx)
			if err != nil {
				return err
			}
			history, err := a.tracker.History(ctx, cmd.String("agent"), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			return printList(stdout(cmd), active, history)
		},
	}
}

func printList(out io.Writer, active map[string]string, history []model.Result) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IN FLIGHT\tAGENT\tJOB")
	if len(active) == 0 {
		fmt.Fprintln(tw, "-\t-\t-")
	}
	agents := make([]string, 0, len(active))
	for agentID := range active {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	for _, agentID := range agents {
		fmt.Fprintf(tw, "building\t%s\t%s\n", agentID, active[agentID])
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "FINISHED\tAGENT\tJOB\tWHEN\tDETAIL")
	for _, res := range history {
		detail := res.ArtifactURL
		if res.State != model.JobCompleted {
			detail = res.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			res.State, res.OwnerID, res.JobID, res.FinishedAt.Local().Format(time.DateTime), detail)
	}
	return tw.Flush()
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// watcher prints progress and collects terminal events of every job.
type watcher struct {
	terminal chan event.BuildEvent
	stop     func()
}

func watchBuilds(tr *tracker.Tracker, out io.Writer) *watcher {
	w := &watcher{terminal: make(chan event.BuildEvent, 64)}
	unProgress := tr.OnProgress("", func(e event.BuildEvent) {
		fmt.Fprintf(out, "%s: still building (check %d)\n", e.DisplayName, e.Attempt)
	})
	unTerminal := tr.OnTerminal("", func(e event.BuildEvent) {
		select {
		case w.terminal <- e:
		default:
			log.Warn().Str("job_id", e.JobID).Msg("dropped terminal event")
		}
	})
	w.stop = func() {
		unProgress()
		unTerminal()
	}
	return w
}

// wait blocks until each job settles or ctx ends. Interrupting leaves the
// jobs registered so a later resume picks them up.
func (w *watcher) wait(ctx context.Context, out io.Writer, jobIDs ...string) error {
	pending := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		pending[id] = true
	}

	failed := 0
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Stopped watching %d build(s); run `agentbuild resume` to continue\n", len(pending))
			return nil
		case e := <-w.terminal:
			if !pending[e.JobID] {
				continue
			}
			delete(pending, e.JobID)
			printTerminal(out, e)
			if e.State != model.JobCompleted {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d build(s) did not complete", failed)
	}
	return nil
}

func printTerminal(out io.Writer, e event.BuildEvent) {
	switch e.State {
	case model.JobCompleted:
		fmt.Fprintf(out, "%s APK is ready: %s\n", e.DisplayName, e.ArtifactURL)
	case model.JobFailed:
		fmt.Fprintf(out, "%s APK build failed: %s\n", e.DisplayName, e.ErrorMessage)
	default:
		fmt.Fprintf(out, "%s APK build status is unknown: %s\n", e.DisplayName, e.ErrorMessage)
	}
}
