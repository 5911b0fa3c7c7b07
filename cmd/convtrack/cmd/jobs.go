package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"convtrack/pkg/api"
	"convtrack/pkg/metrics"
	"convtrack/pkg/models"
	"convtrack/pkg/push"
	"convtrack/pkg/tracker"
)

var (
	// Job submit flags
	submitUploadID string
	submitFormat   string
	submitOptions  map[string]string

	// Job status flags
	followStatus bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage conversion jobs",
	Long:  `Commands for creating, listing, and managing conversion jobs on the server.`,
}

// jobsListCmd represents the jobs list command
var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	Long:  `List all conversion jobs known to the server, newest first.`,
	RunE:  runJobsList,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Retrieve the status of a specific job by its ID. With --follow, keeps a live view open over the job's push channel until the job finishes.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

// jobsSubmitCmd represents the jobs submit command
var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long:  `Submit a conversion job for an already-uploaded file. The upload must have finished server-side analysis; use "convtrack upload" to upload and submit in one step.`,
	RunE:  runJobsSubmit,
}

// jobsCancelCmd represents the jobs cancel command
var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a pending or running conversion job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsCancelCmd)

	// Flags for job submit
	jobsSubmitCmd.Flags().StringVar(&submitUploadID, "upload", "", "server-side upload id (required)")
	jobsSubmitCmd.Flags().StringVar(&submitFormat, "format", "mp4", "target container format")
	jobsSubmitCmd.Flags().StringToStringVar(&submitOptions, "option", nil, "conversion option as key=value (repeatable)")
	jobsSubmitCmd.MarkFlagRequired("upload")

	// Flags for job status
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "keep a live view open until the job reaches a terminal state")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client := newAPIClient()
	if err := checkAccess(ctx, client); err != nil {
		return err
	}

	jobs, err := client.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(models.JobList{Jobs: jobs, Count: len(jobs)}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "File", "Status", "Progress", "Stage", "Created")

	for _, job := range jobs {
		table.Append(
			job.ID,
			job.OriginalFilename,
			string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			dash(job.CurrentStage),
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	jobID := args[0]

	client := newAPIClient()
	if err := checkAccess(ctx, client); err != nil {
		return err
	}

	if !followStatus {
		job, err := client.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to fetch job %s: %w", jobID, err)
		}
		displayJob(job)
		return nil
	}

	// Follow mode: merge push messages with fallback pulls and redraw
	// until the job reaches a terminal state.
	tr := newTracker(client, nil)
	defer tr.Close()
	tr.Track(jobID)

	fmt.Printf("Following job %s (press Ctrl+C to stop)...\n", jobID)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		view, ok := tr.Job(jobID)
		if !ok {
			continue
		}

		fmt.Print("\033[H\033[2J") // Clear screen
		displayJobView(view)

		if models.IsTerminalStatus(view.Status) && !view.Stale {
			fmt.Println("\n✓ Job reached terminal state")
			break
		}
	}
	return nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client := newAPIClient()
	if err := checkAccess(ctx, client); err != nil {
		return err
	}

	job, err := client.CreateJob(ctx, &models.JobRequest{
		UploadID: submitUploadID,
		Format:   submitFormat,
		Options:  submitOptions,
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	displayJob(job)
	fmt.Printf("\nJob submitted successfully! ID: %s\n", job.ID)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	jobID := args[0]

	client := newAPIClient()
	if err := checkAccess(ctx, client); err != nil {
		return err
	}

	if err := client.CancelJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	fmt.Printf("✓ Job %s cancelled\n", jobID)
	return nil
}

// newTracker builds a tracker over the shared API client and its
// websocket endpoint. A non-nil recorder gets the merge, gauge and
// reconnect instruments wired in.
func newTracker(client *api.Client, rec *metrics.Recorder) *tracker.Tracker {
	log := newCLILogger()
	pushOpts := push.DefaultOptions()
	pushOpts.Logger = log
	if rec != nil {
		pushOpts.OnReconnect = rec.RecordReconnect
	}

	tr := tracker.New(client,
		&tracker.WebSocketOpener{Client: client, Options: pushOpts},
		tracker.Options{Logger: log},
	)
	if rec != nil {
		tr.SetMetricsRecorder(rec)
	}
	return tr
}

func displayJob(job *models.Job) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job ID", job.ID)
	table.Append("File", job.OriginalFilename)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))

	if job.CurrentStage != "" {
		table.Append("Stage", job.CurrentStage)
	}
	if job.ErrorMessage != "" {
		table.Append("Error", job.ErrorMessage)
	}
	if job.OutputFilename != "" {
		table.Append("Output", job.OutputFilename)
	}
	if job.OriginalFileSize > 0 {
		table.Append("Size", formatSize(job.OriginalFileSize))
	}
	if !job.CreatedAt.IsZero() {
		table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	}

	table.Render()
}

func displayJobView(view tracker.JobView) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(view, "", "  ")
		fmt.Println(string(output))
		return
	}

	displayJob(&view.Job)
	fmt.Printf("\nChannel: %s", view.ChannelStatus)
	if view.Stale {
		fmt.Print("  (data may be stale)")
	}
	fmt.Println()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
