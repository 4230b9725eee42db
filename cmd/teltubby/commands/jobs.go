package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cptnfren/teltubby/internal/cli/output"
	"github.com/cptnfren/teltubby/internal/cli/prompt"
	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/config"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/queue"
)

var (
	jobsListState string
	jobsListChat  int64
	jobsListLimit int
	jobsYes       bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued archival jobs",
	Long: `Inspect and manage the local job rows mirroring the archival queue.

Rows are created when an oversize file is routed to the queue and
updated by the worker as it processes. Retry re-publishes the stored
payload of a FAILED or CANCELLED job; cancel stops a PENDING job or
requests cancellation of a running one.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a failed or cancelled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListState, "state", "", "Filter by state (PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED)")
	jobsListCmd.Flags().Int64Var(&jobsListChat, "chat", 0, "Filter by origin chat id")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 20, "Maximum rows to list")
	jobsCancelCmd.Flags().BoolVarP(&jobsYes, "yes", "y", false, "Skip the confirmation prompt")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

// openJobStore loads config and opens the job store without the queue
// broker; reads and cancellation never touch the broker.
func openJobStore() (*config.Config, *jobs.GORMStore, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, nil, err
	}
	store, err := jobs.NewStore(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	_, store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	filter := jobs.ListFilter{
		ChatID: jobsListChat,
		Limit:  jobsListLimit,
	}
	if jobsListState != "" {
		state := jobs.JobState(strings.ToUpper(jobsListState))
		if !state.Valid() {
			return fmt.Errorf("unknown state: %s", jobsListState)
		}
		filter.State = state
	}

	rows, err := store.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	table := output.NewTableData("ID", "STATE", "KIND", "SIZE", "RETRIES", "CHAT", "UPDATED", "LAST ERROR")
	for _, j := range rows {
		table.AddRow(
			j.ID,
			string(j.State),
			j.FileKind,
			logger.FormatBytes(j.FileSize),
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			fmt.Sprintf("%d", j.ChatID),
			j.UpdatedAt.Format(time.DateTime),
			j.LastError,
		)
	}
	return output.PrintTable(os.Stdout, table)
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	_, store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	pairs := [][2]string{
		{"ID", job.ID},
		{"State", string(job.State)},
		{"Chat", fmt.Sprintf("%d", job.ChatID)},
		{"Message", fmt.Sprintf("%d", job.MessageID)},
		{"Curator", fmt.Sprintf("%d", job.UserID)},
		{"Kind", job.FileKind},
		{"Size", logger.FormatBytes(job.FileSize)},
		{"Unique ID", job.FileUniqueID},
		{"Priority", fmt.Sprintf("%d", job.Priority)},
		{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
		{"Created", job.CreatedAt.Format(time.DateTime)},
		{"Updated", job.UpdatedAt.Format(time.DateTime)},
	}
	if job.FileName != "" {
		pairs = append(pairs, [2]string{"File name", job.FileName})
	}
	if job.LastError != "" {
		pairs = append(pairs, [2]string{"Last error", job.LastError})
	}
	if err := output.SimpleTable(os.Stdout, pairs); err != nil {
		return err
	}

	fmt.Println("\nPayload:")
	fmt.Println(job.PayloadJSON)
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	cfg, store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Retry re-publishes the stored payload, so it needs the broker.
	broker, err := queue.Connect(queueConfig(cfg))
	if err != nil {
		return err
	}
	defer broker.Close()

	client := queue.NewClient(store, broker, cfg.Worker.MaxRetries, nil)
	job, err := client.Retry(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, jobs.ErrNotRetryable) {
			return fmt.Errorf("job %s is not retryable (only FAILED or CANCELLED jobs can be retried)", args[0])
		}
		return err
	}

	fmt.Printf("Job %s re-queued\n", job.ID)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	_, store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Cancel job %s?", args[0]), jobsYes)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	client := queue.NewClient(store, nil, 0, nil)
	job, err := client.Cancel(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, jobs.ErrNotCancellable) {
			return fmt.Errorf("job %s is already in a terminal state", args[0])
		}
		return err
	}

	switch job.State {
	case jobs.StateCancellationRequested:
		fmt.Printf("Job %s is processing; cancellation requested, the worker will stop at its next checkpoint\n", job.ID)
	default:
		fmt.Printf("Job %s cancelled\n", job.ID)
	}
	return nil
}
