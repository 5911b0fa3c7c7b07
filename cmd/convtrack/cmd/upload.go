package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"convtrack/pkg/metrics"
	"convtrack/pkg/models"
	"convtrack/pkg/poll"
	"convtrack/pkg/uploads"
)

var (
	uploadFormat  string
	uploadOptions map[string]string
	uploadWatch   bool
	uploadNoWait  bool
	uploadListen  string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a media file and submit it for conversion",
	Long: `Upload a media file to the conversion server, wait for server-side
analysis to finish and submit it as a conversion job.

Example:
  convtrack upload movie.mkv
  convtrack upload movie.mkv --format webm --option preset=fast
  convtrack upload movie.mkv --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadFormat, "format", "mp4", "target container format")
	uploadCmd.Flags().StringToStringVar(&uploadOptions, "option", nil, "conversion option as key=value (repeatable)")
	uploadCmd.Flags().BoolVar(&uploadWatch, "watch", false, "follow the submitted job until it finishes")
	uploadCmd.Flags().BoolVar(&uploadNoWait, "no-submit", false, "upload and analyze only, do not submit a job")
	uploadCmd.Flags().StringVar(&uploadListen, "listen", "", "Serve /metrics, /status and /healthz on this address while the upload runs")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	path := args[0]

	client := newAPIClient()
	if err := checkAccess(ctx, client); err != nil {
		return err
	}

	log := newCLILogger()
	manager := uploads.New(client, poll.DefaultConfig(), log)

	var recorder *metrics.Recorder
	if uploadListen != "" {
		recorder = metrics.NewRecorder()
		manager.SetMetricsRecorder(recorder)

		router := recorder.Router(func() interface{} {
			return manager.Snapshot()
		})
		go func() {
			log.Info("observability endpoint listening", map[string]interface{}{"addr": uploadListen})
			if err := http.ListenAndServe(uploadListen, router); err != nil {
				log.Error("observability server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	id, err := manager.AddFile(path)
	if err != nil {
		return err
	}

	up, err := waitForAnalysis(manager, id)
	if err != nil {
		return err
	}

	fmt.Printf("\r✓ Upload analyzed: %s\n", up.Filename)
	if up.Metadata != nil {
		fmt.Printf("  codec %s, duration %.0fs, %d audio track(s)\n",
			up.Metadata.VideoCodec, up.Metadata.DurationSeconds, len(up.Metadata.AudioTracks))
	}

	if uploadNoWait {
		if IsJSONOutput() {
			output, _ := json.MarshalIndent(up, "", "  ")
			fmt.Println(string(output))
		} else {
			fmt.Printf("  upload id: %s\n", up.RemoteID)
		}
		return nil
	}

	job, err := manager.Submit(ctx, id, uploadFormat, uploadOptions)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	fmt.Printf("✓ Job submitted: %s\n", job.ID)

	if !uploadWatch {
		if IsJSONOutput() {
			output, _ := json.MarshalIndent(job, "", "  ")
			fmt.Println(string(output))
		}
		return nil
	}

	// Hand over to the live view for the new job
	tr := newTracker(client, recorder)
	defer tr.Close()
	tr.Track(job.ID)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		view, ok := tr.Job(job.ID)
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

// waitForAnalysis blocks until the pending upload leaves its transient
// states, printing upload progress along the way.
func waitForAnalysis(manager *uploads.Manager, id string) (models.PendingUpload, error) {
	lastProgress := -1
	for {
		up, ok := manager.Get(id)
		if !ok {
			return models.PendingUpload{}, fmt.Errorf("upload %s disappeared", id)
		}

		switch up.Status {
		case models.UploadStatusReady:
			return up, nil
		case models.UploadStatusError:
			return up, fmt.Errorf("upload failed: %s", up.Error)
		case models.UploadStatusUploading:
			if up.UploadProgress != lastProgress {
				fmt.Printf("\rUploading %s... %d%%", up.Filename, up.UploadProgress)
				lastProgress = up.UploadProgress
			}
		case models.UploadStatusAnalyzing:
			if lastProgress != 100 {
				fmt.Printf("\rUploading %s... 100%%\n", up.Filename)
				lastProgress = 100
			}
			fmt.Print("\rWaiting for server-side analysis...")
		}

		time.Sleep(200 * time.Millisecond)
	}
}
