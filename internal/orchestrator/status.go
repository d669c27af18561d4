package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
)

// findRun resolves runID, or the latest incomplete run, or the most recent
// run when nothing is incomplete.
func (o *Orchestrator) findRun(runID string) (*checkpoint.Run, error) {
	if runID != "" {
		run, err := o.state.GetRunByID(runID)
		if err != nil {
			return nil, fmt.Errorf("getting run: %w", err)
		}
		if run == nil {
			return nil, fmt.Errorf("%w: %s", checkpoint.ErrRunNotFound, runID)
		}
		return run, nil
	}

	run, err := o.state.GetLastIncompleteRun()
	if err != nil {
		return nil, err
	}
	if run != nil {
		return run, nil
	}
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return &runs[0], nil
}

// GetStatusResult builds a StatusResult for runID, or for the current/last
// run when runID is empty.
func (o *Orchestrator) GetStatusResult(runID string) (*StatusResult, error) {
	run, err := o.findRun(runID)
	if err != nil {
		return nil, err
	}

	statuses, err := o.state.GetEntityStatuses(run.ID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := o.state.ListCheckpoints(run.ID)
	if err != nil {
		return nil, err
	}
	errs, err := o.state.GetErrors(run.ID)
	if err != nil {
		return nil, err
	}

	phase := run.Phase
	if phase == "" {
		phase = "initializing"
	}

	res := &StatusResult{
		RunID:         run.ID,
		Status:        run.Status,
		Phase:         phase,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		EntitiesTotal: len(statuses),
		Entities:      statuses,
		Checkpoints:   len(checkpoints),
		Errors:        len(errs),
		Error:         run.Error,
	}
	if res.Entities == nil {
		res.Entities = []checkpoint.EntityStatus{}
	}
	for _, es := range statuses {
		res.RecordsTotal += es.RecordsTotal
		res.RecordsProcessed += es.RecordsProcessed
		switch es.Status {
		case checkpoint.EntityCompleted, checkpoint.EntitySkipped:
			res.EntitiesComplete++
		case checkpoint.EntityRunning:
			res.EntitiesRunning++
		case checkpoint.EntityFailed:
			res.EntitiesFailed++
		default:
			res.EntitiesPending++
		}
	}
	if res.RecordsTotal > 0 {
		res.ProgressPercent = float64(res.RecordsProcessed) / float64(res.RecordsTotal) * 100
	}
	for i := range checkpoints {
		cp := checkpoints[i]
		if res.LastCheckpoint == nil || !cp.CreatedAt.Before(res.LastCheckpoint.CreatedAt) {
			res.LastCheckpoint = &cp
		}
	}
	return res, nil
}

// ShowStatus displays status of the current/last run
func (o *Orchestrator) ShowStatus(runID string) error {
	st, err := o.GetStatusResult(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(o.out, "Run: %s\n", st.RunID)
	fmt.Fprintf(o.out, "Status: %s (%s)\n", st.Status, st.Phase)
	fmt.Fprintf(o.out, "Started: %s\n", st.StartedAt.Format(time.RFC3339))
	if st.EntitiesTotal > 0 {
		fmt.Fprintf(o.out, "Entities: %d total, %d pending, %d running, %d complete, %d failed\n",
			st.EntitiesTotal, st.EntitiesPending, st.EntitiesRunning, st.EntitiesComplete, st.EntitiesFailed)
		fmt.Fprintf(o.out, "Records: %d/%d (%.1f%%)\n", st.RecordsProcessed, st.RecordsTotal, st.ProgressPercent)
	}
	if st.Error != "" {
		fmt.Fprintf(o.out, "Error: %s\n", st.Error)
	}
	switch st.Status {
	case checkpoint.RunPaused, checkpoint.RunHalted:
		fmt.Fprintln(o.out, "Run 'resume' to continue.")
	case checkpoint.RunRunning:
		// running with nothing in flight means the process died
		if st.Phase == PhaseExecuting && st.EntitiesRunning == 0 && st.EntitiesPending+st.EntitiesFailed > 0 {
			fmt.Fprintln(o.out, "Run appears interrupted. Run 'resume' to continue.")
		}
	}
	return nil
}

// ShowDetailedStatus displays entity-level status for a migration run
func (o *Orchestrator) ShowDetailedStatus(runID string) error {
	if err := o.ShowStatus(runID); err != nil {
		return err
	}
	st, err := o.GetStatusResult(runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(o.out)
	o.printEntities(st.Entities)

	if cp := st.LastCheckpoint; cp != nil {
		fmt.Fprintf(o.out, "\nLast checkpoint: %s (%s batch %d, %d processed, %s)\n",
			cp.ID, cp.Entity, cp.BatchPosition, cp.RecordsProcessed, cp.Data.Reason)
	}
	return nil
}

func (o *Orchestrator) printEntities(statuses []checkpoint.EntityStatus) {
	if len(statuses) == 0 {
		fmt.Fprintln(o.out, "No entities planned")
		return
	}

	fmt.Fprintf(o.out, "%-24s %-5s %-10s %-10s %-20s %s\n", "Entity", "Level", "Status", "Progress", "Records", "Error")
	fmt.Fprintln(o.out, strings.Repeat("-", 96))

	for _, es := range statuses {
		progress := ""
		records := ""
		if es.RecordsTotal > 0 {
			progress = fmt.Sprintf("%.1f%%", float64(es.RecordsProcessed)/float64(es.RecordsTotal)*100)
			records = fmt.Sprintf("%d/%d", es.RecordsProcessed, es.RecordsTotal)
		} else if es.Status == checkpoint.EntityCompleted {
			progress = "100.0%"
			records = "0/0"
		}
		if es.RecordsFailed > 0 {
			records += fmt.Sprintf(" (%d failed)", es.RecordsFailed)
		}

		name := es.Entity
		if len(name) > 22 {
			name = name[:19] + "..."
		}
		errorMsg := es.Error
		if len(errorMsg) > 30 {
			errorMsg = errorMsg[:27] + "..."
		}

		fmt.Fprintf(o.out, "%-24s %-5d %s %-8s %-10s %-20s %s\n",
			name, es.Level, statusIcon(es.Status), es.Status, progress, records, errorMsg)
	}
}

func statusIcon(status string) string {
	switch status {
	case checkpoint.EntityCompleted:
		return "✓"
	case checkpoint.EntityFailed:
		return "✗"
	case checkpoint.EntityRunning:
		return "►"
	case checkpoint.EntitySkipped:
		return "-"
	}
	return "○"
}

// ShowHistory displays all migration runs
func (o *Orchestrator) ShowHistory() error {
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(o.out, "No migration history")
		return nil
	}

	fmt.Fprintf(o.out, "%-10s %-20s %-20s %-10s %-30s\n", "ID", "Started", "Completed", "Status", "Origin")
	fmt.Fprintln(o.out, strings.Repeat("-", 94))

	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(o.out, "%-10s %-20s %-20s %-10s %-30s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status, runOrigin(&r))
		if r.Error != "" {
			fmt.Fprintf(o.out, "           Error: %s\n", r.Error)
		}
	}

	fmt.Fprintln(o.out, "\nUse 'history --run <ID>' to view run details")
	return nil
}

// ShowRunDetails displays detailed information for a specific run
func (o *Orchestrator) ShowRunDetails(runID string) error {
	st, err := o.GetStatusResult(runID)
	if err != nil {
		return err
	}
	run, err := o.state.GetRunByID(st.RunID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}

	fmt.Fprintf(o.out, "Run ID:        %s\n", run.ID)
	fmt.Fprintf(o.out, "Status:        %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(o.out, "Error:         %s\n", run.Error)
	}
	fmt.Fprintf(o.out, "Started:       %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Fprintf(o.out, "Completed:     %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(o.out, "Duration:      %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.ConfigHash != "" {
		fmt.Fprintf(o.out, "Config Hash:   %s\n", run.ConfigHash)
	}
	if origin := runOrigin(run); origin != "" {
		fmt.Fprintf(o.out, "Origin:        %s\n", origin)
	}

	fmt.Fprintln(o.out)
	o.printEntities(st.Entities)

	errs, err := o.state.GetErrors(run.ID)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		fmt.Fprintf(o.out, "\nErrors (%d):\n", len(errs))
		fmt.Fprintln(o.out, "--------------")
		for _, e := range errs {
			line, _ := json.Marshal(struct {
				Entity string `json:"entity"`
				Record string `json:"record,omitempty"`
				Type   string `json:"type"`
				Action string `json:"action"`
				Error  string `json:"error"`
			}{e.Entity, e.RecordID, e.Type, e.Action, e.Message})
			fmt.Fprintln(o.out, string(line))
		}
	}
	return nil
}

func runOrigin(r *checkpoint.Run) string {
	if r == nil {
		return ""
	}
	if r.ProfileName != "" {
		return "profile:" + r.ProfileName
	}
	if r.ConfigPath != "" {
		return "config:" + r.ConfigPath
	}
	return ""
}
