package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gantry/internal/pipeline"
	"github.com/fyrsmithlabs/gantry/internal/report"
)

// startCmd starts a pipeline run from a definition file
var startCmd = &cobra.Command{
	Use:   "start <definition-file>",
	Short: "Start a pipeline run",
	Long: `Start a pipeline run from a YAML or TOML definition file and wait for it
to complete or halt.

Examples:
  # Start a release pipeline
  gantryctl start release.yaml

  # Start against a different server
  gantryctl start --server http://localhost:8080 hotfix.toml`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

// statusCmd shows the stored state of a run
var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// listCmd lists all runs
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// reportCmd prints the scored run report
var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Show the scored report of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

// resumeCmd resumes a halted run
var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a halted run from its halted phase",
	Long: `Resume a halted run. The halted phase is re-executed in full; its earlier
report is kept in the run history.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

// abortCmd aborts an executing run
var abortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort an executing run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbort,
}

// rollbackCmd rolls a run back to its checkpoint
var rollbackCmd = &cobra.Command{
	Use:   "rollback <run-id>",
	Short: "Roll a halted or completed run back to its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

// apiClient returns the HTTP client used for run operations. Runs block on
// checks and gates, so the timeout is generous.
func apiClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Hour}
}

func postJSON(url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := apiClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	return resp, nil
}

// runStart handles the start command
func runStart(cmd *cobra.Command, args []string) error {
	def, err := pipeline.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	fmt.Fprintf(os.Stderr, "starting pipeline %q (%d phases)...\n", def.Name, len(def.Phases))

	resp, err := postJSON(fmt.Sprintf("%s/api/v1/runs", serverURL), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return err
	}

	var rep report.RunReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	printReport(&rep)
	if rep.Outcome != report.OutcomeCompleted {
		os.Exit(1)
	}
	return nil
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiClient().Get(fmt.Sprintf("%s/api/v1/runs/%s", serverURL, args[0]))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var run pipeline.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Pipeline: %s\n", run.Definition.Name)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.Status == pipeline.StatusHalted && run.CurrentIndex < len(run.Definition.Phases) {
		fmt.Printf("Halted at: %s\n", run.Definition.Phases[run.CurrentIndex].Name)
	}
	if run.Checkpoint != nil {
		fmt.Printf("Checkpoint: %s (phase %s, ref %s)\n",
			run.Checkpoint.ID, run.Checkpoint.Phase, run.Checkpoint.StateRef)
	}
	return nil
}

// runList handles the list command
func runList(cmd *cobra.Command, args []string) error {
	resp, err := apiClient().Get(fmt.Sprintf("%s/api/v1/runs", serverURL))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var runs []pipeline.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPIPELINE\tSTATUS\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			run.ID, run.Definition.Name, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// runReport handles the report command
func runReport(cmd *cobra.Command, args []string) error {
	resp, err := apiClient().Get(fmt.Sprintf("%s/api/v1/runs/%s/report", serverURL, args[0]))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var rep report.RunReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	printReport(&rep)
	return nil
}

// runResume handles the resume command
func runResume(cmd *cobra.Command, args []string) error {
	resp, err := postJSON(fmt.Sprintf("%s/api/v1/runs/%s/resume", serverURL, args[0]), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var rep report.RunReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	printReport(&rep)
	if rep.Outcome != report.OutcomeCompleted {
		os.Exit(1)
	}
	return nil
}

// runAbort handles the abort command
func runAbort(cmd *cobra.Command, args []string) error {
	resp, err := postJSON(fmt.Sprintf("%s/api/v1/runs/%s/abort", serverURL, args[0]), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusAccepted); err != nil {
		return err
	}

	fmt.Printf("Run %s aborted\n", args[0])
	return nil
}

// runRollback handles the rollback command
func runRollback(cmd *cobra.Command, args []string) error {
	resp, err := postJSON(fmt.Sprintf("%s/api/v1/runs/%s/rollback", serverURL, args[0]), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var rollbackResp struct {
		RunID    string                 `json:"run_id"`
		Rollback *report.RollbackReport `json:"rollback"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rollbackResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	rb := rollbackResp.Rollback
	fmt.Printf("Run %s rolled back to %s (checkpoint %s)\n", args[0], rb.StateRef, rb.CheckpointID)
	fmt.Printf("Verified: %v (%d verification checks)\n", rb.Verified, len(rb.Verification))
	return nil
}

// printReport renders a run report for humans.
func printReport(rep *report.RunReport) {
	fmt.Printf("Run:        %s\n", rep.RunID)
	fmt.Printf("Pipeline:   %s\n", rep.Pipeline)
	fmt.Printf("Outcome:    %s\n", rep.Outcome)
	fmt.Printf("Risk score: %.2f\n", rep.RiskScore)
	if rep.HaltedPhase != "" {
		fmt.Printf("Halted at:  %s\n", rep.HaltedPhase)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nPHASE\tVERDICT\tCHECKS\tNOTES")
	for _, p := range rep.Phases {
		notes := p.Reason
		if p.Overridden {
			notes = "manual override: " + notes
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Phase, p.Verdict, len(p.Results), notes)
	}
	w.Flush()
}
