package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"convtrack/pkg/metrics"
	"convtrack/pkg/models"
	"convtrack/pkg/shutdown"
	"convtrack/pkg/tracker"
)

var (
	watchInterval time.Duration
	watchListen   string
	watchOnce     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [job-id...]",
	Short: "Live view of conversion job progress",
	Long: `Watch keeps a live, continuously updated view of conversion jobs.
Each watched job gets a push channel to the server; while a channel is
down the view falls back to periodic snapshot fetches, so it keeps
working through reconnects and server restarts.

With no arguments, all jobs currently known to the server are watched.

Example:
  convtrack watch
  convtrack watch 4f7c21aa 9b11e0cd
  convtrack watch --listen :9090`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "How often to redraw the view")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "Serve /metrics, /status and /healthz on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Render a single snapshot and exit")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client := newAPIClient()
	if err := checkAccess(ctx, client); err != nil {
		return err
	}

	jobIDs := args
	if len(jobIDs) == 0 {
		jobs, err := client.ListJobs(ctx)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		for _, job := range jobs {
			jobIDs = append(jobIDs, job.ID)
		}
	}
	if len(jobIDs) == 0 {
		fmt.Println("No jobs to watch.")
		return nil
	}

	recorder := metrics.NewRecorder()
	tr := newTracker(client, recorder)
	defer tr.Close()

	for _, id := range jobIDs {
		tr.Track(id)
	}

	if watchOnce {
		// Give the bootstrap fetches a moment to land
		time.Sleep(time.Second)
		renderWatchTable(tr.Jobs())
		return nil
	}

	sd := shutdown.New(10 * time.Second)
	sd.Register(func(context.Context) error {
		tr.Close()
		return nil
	})

	if watchListen != "" {
		log := newCLILogger()
		router := recorder.Router(func() interface{} {
			return tr.Jobs()
		})
		server := &http.Server{Addr: watchListen, Handler: router}

		go func() {
			log.Info("observability endpoint listening", map[string]interface{}{"addr": watchListen})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("observability server failed", map[string]interface{}{"error": err.Error()})
			}
		}()

		sd.Register(func(ctx context.Context) error {
			return server.Shutdown(ctx)
		})
	}

	go sd.Wait()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sd.Done():
			fmt.Println("\nShutting down...")
			return sd.Shutdown()
		case <-ticker.C:
			views := tr.Jobs()
			fmt.Print("\033[H\033[2J") // Clear screen
			renderWatchTable(views)

			if allTerminal(views) {
				fmt.Println("\n✓ All watched jobs reached a terminal state")
				sd.Trigger()
			}
		}
	}
}

func renderWatchTable(views []tracker.JobView) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(views, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "File", "Status", "Progress", "Stage", "Channel", "Stale")

	for _, v := range views {
		stale := "-"
		if v.Stale {
			stale = "yes"
		}
		table.Append(
			v.ID,
			dash(v.OriginalFilename),
			string(v.Status),
			fmt.Sprintf("%d%%", v.Progress),
			dash(v.CurrentStage),
			string(v.ChannelStatus),
			stale,
		)
	}

	table.Render()
	fmt.Printf("\nWatching %d jobs. Press Ctrl+C to stop.\n", len(views))
}

func allTerminal(views []tracker.JobView) bool {
	for _, v := range views {
		if !models.IsTerminalStatus(v.Status) || v.Stale {
			return false
		}
	}
	return len(views) > 0
}
