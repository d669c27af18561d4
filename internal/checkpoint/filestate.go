package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileState implements StateBackend using a single YAML file.
// It holds one run at a time and is meant for headless schedulers where
// SQLite is impractical. Sync baselines survive across runs.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
	now   func() time.Time
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Run         Run                    `yaml:"run"`
	Entities    map[string]*fileEntity `yaml:"entities"`
	Checkpoints []Checkpoint           `yaml:"checkpoints,omitempty"`
	Errors      []ErrorRecord          `yaml:"errors,omitempty"`
	Sync        map[string]time.Time   `yaml:"sync,omitempty"`
}

// fileEntity tracks per-entity status and the planned record ids.
type fileEntity struct {
	Status EntityStatus `yaml:"status"`
	Plan   []string     `yaml:"plan,omitempty"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path: path,
		state: &fileStateData{
			Entities: make(map[string]*fileEntity),
			Sync:     make(map[string]time.Time),
		},
		now: time.Now,
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fs.state.Entities == nil {
			fs.state.Entities = make(map[string]*fileEntity)
		}
		if fs.state.Sync == nil {
			fs.state.Sync = make(map[string]time.Time)
		}
	}

	return fs, nil
}

// save writes the current state atomically via a temp file and rename.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if dir := filepath.Dir(fs.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (fs *FileState) checkRun(id string) error {
	if fs.state.Run.ID != id {
		return fmt.Errorf("%w: %s (state file holds %q)", ErrRunNotFound, id, fs.state.Run.ID)
	}
	return nil
}

// CreateRun initializes a new migration run, discarding the previous one.
func (fs *FileState) CreateRun(id string, config any, profileName, configPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state = &fileStateData{
		Run: Run{
			ID:          id,
			StartedAt:   fs.now(),
			Status:      RunRunning,
			Phase:       "initializing",
			ConfigHash:  configHash(config),
			ProfileName: profileName,
			ConfigPath:  configPath,
		},
		Entities: make(map[string]*fileEntity),
		Sync:     fs.state.Sync,
	}
	if fs.state.Sync == nil {
		fs.state.Sync = make(map[string]time.Time)
	}

	return fs.save()
}

// CompleteRun marks the run as complete.
func (fs *FileState) CompleteRun(id string, status string, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(id); err != nil {
		return err
	}
	now := fs.now()
	fs.state.Run.Status = status
	fs.state.Run.CompletedAt = &now
	fs.state.Run.Error = errorMsg
	return fs.save()
}

// UpdateRunStatus changes the run status without completing it.
func (fs *FileState) UpdateRunStatus(id string, status string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(id); err != nil {
		return err
	}
	fs.state.Run.Status = status
	return fs.save()
}

// UpdatePhase updates the current phase of a migration run.
func (fs *FileState) UpdatePhase(runID, phase string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	fs.state.Run.Phase = phase
	return fs.save()
}

// GetLastIncompleteRun returns the current run if it's incomplete.
func (fs *FileState) GetLastIncompleteRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run.ID == "" || fs.state.Run.Status == RunCompleted {
		return nil, nil
	}
	r := fs.state.Run
	return &r, nil
}

// MarkRunAsResumed resets running and failed entities to pending.
func (fs *FileState) MarkRunAsResumed(runID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	for _, e := range fs.state.Entities {
		if e.Status.Status == EntityRunning || e.Status.Status == EntityFailed {
			e.Status.Status = EntityPending
			e.Status.StartedAt = nil
		}
	}
	fs.state.Run.Status = RunRunning
	fs.state.Run.CompletedAt = nil
	fs.state.Run.Error = ""
	return fs.save()
}

func (fs *FileState) entity(name string) *fileEntity {
	e, ok := fs.state.Entities[name]
	if !ok {
		e = &fileEntity{Status: EntityStatus{RunID: fs.state.Run.ID, Entity: name, Status: EntityPending}}
		fs.state.Entities[name] = e
	}
	return e
}

// SaveEntityStatus stores an entity's orchestration status.
func (fs *FileState) SaveEntityStatus(es EntityStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(es.RunID); err != nil {
		return err
	}
	fs.entity(es.Entity).Status = es
	return fs.save()
}

// GetEntityStatuses returns the run's entities in dependency order.
func (fs *FileState) GetEntityStatuses(runID string) ([]EntityStatus, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run.ID != runID {
		return nil, nil
	}
	out := make([]EntityStatus, 0, len(fs.state.Entities))
	for _, e := range fs.state.Entities {
		out = append(out, e.Status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DependencyOrder != out[j].DependencyOrder {
			return out[i].DependencyOrder < out[j].DependencyOrder
		}
		return out[i].Entity < out[j].Entity
	})
	return out, nil
}

// SavePlan stores the ordered record ids of an entity's task.
func (fs *FileState) SavePlan(runID, entity string, recordIDs []string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	e := fs.entity(entity)
	e.Plan = append([]string(nil), recordIDs...)
	e.Status.RecordsTotal = int64(len(recordIDs))
	return fs.save()
}

// GetPlan returns the stored record ids, or nil.
func (fs *FileState) GetPlan(runID, entity string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run.ID != runID {
		return nil, nil
	}
	if e, ok := fs.state.Entities[entity]; ok && e.Plan != nil {
		return append([]string(nil), e.Plan...), nil
	}
	return nil, nil
}

func (fs *FileState) latest(runID, entity string) *Checkpoint {
	var best *Checkpoint
	for i := range fs.state.Checkpoints {
		cp := &fs.state.Checkpoints[i]
		if cp.RunID != runID || cp.Entity != entity {
			continue
		}
		if best == nil || cp.BatchPosition > best.BatchPosition ||
			(cp.BatchPosition == best.BatchPosition && cp.RecordsProcessed >= best.RecordsProcessed) {
			best = cp
		}
	}
	return best
}

// SaveCheckpoint stores a checkpoint, rejecting one that moves backwards.
func (fs *FileState) SaveCheckpoint(cp Checkpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(cp.RunID); err != nil {
		return err
	}
	if err := checkOrder(fs.latest(cp.RunID, cp.Entity), cp); err != nil {
		return fmt.Errorf("%s/%s batch %d: %w", cp.RunID, cp.Entity, cp.BatchPosition, err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = fs.now()
	}
	fs.state.Checkpoints = append(fs.state.Checkpoints, cp)
	return fs.save()
}

// GetCheckpoint returns a checkpoint by id.
func (fs *FileState) GetCheckpoint(id string) (*Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, cp := range fs.state.Checkpoints {
		if cp.ID == id {
			c := cp
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
}

// GetLatestCheckpoint returns the newest checkpoint of an entity, or nil.
func (fs *FileState) GetLatestCheckpoint(runID, entity string) (*Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if cp := fs.latest(runID, entity); cp != nil {
		c := *cp
		return &c, nil
	}
	return nil, nil
}

// ListCheckpoints returns all checkpoints of the run.
func (fs *FileState) ListCheckpoints(runID string) ([]Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []Checkpoint
	for _, cp := range fs.state.Checkpoints {
		if cp.RunID == runID {
			out = append(out, cp)
		}
	}
	return out, nil
}

// RecordError appends a classified failure to the error log.
func (fs *FileState) RecordError(rec ErrorRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(rec.RunID); err != nil {
		return err
	}
	rec.ID = int64(len(fs.state.Errors) + 1)
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = fs.now()
	}
	fs.state.Errors = append(fs.state.Errors, rec)
	return fs.save()
}

// GetErrors returns the run's error log.
func (fs *FileState) GetErrors(runID string) ([]ErrorRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []ErrorRecord
	for _, rec := range fs.state.Errors {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetAllRuns returns the single tracked run, if any.
func (fs *FileState) GetAllRuns() ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run.ID == "" {
		return nil, nil
	}
	return []Run{fs.state.Run}, nil
}

// GetRunByID returns the run if the file holds it, otherwise nil.
func (fs *FileState) GetRunByID(runID string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run.ID != runID {
		return nil, nil
	}
	r := fs.state.Run
	return &r, nil
}

// GetLastSyncTimestamp returns the detection baseline for an entity, or nil.
func (fs *FileState) GetLastSyncTimestamp(entity string) (*time.Time, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if ts, ok := fs.state.Sync[entity]; ok {
		return &ts, nil
	}
	return nil, nil
}

// UpdateSyncTimestamp stores the detection baseline for an entity.
func (fs *FileState) UpdateSyncTimestamp(entity string, ts time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Sync[entity] = ts
	return fs.save()
}

// controlPath is a sidecar file so that a request written by another process
// is never overwritten by this process saving its own state.
func (fs *FileState) controlPath() string {
	return fs.path + ".control"
}

type controlRequest struct {
	RunID   string `yaml:"run_id"`
	Command string `yaml:"command"`
}

// RequestControl posts a pause or cancel request for the run.
func (fs *FileState) RequestControl(runID, command string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	data, err := yaml.Marshal(controlRequest{RunID: runID, Command: command})
	if err != nil {
		return fmt.Errorf("marshaling control request: %w", err)
	}
	if err := os.WriteFile(fs.controlPath(), data, 0600); err != nil {
		return fmt.Errorf("writing control request: %w", err)
	}
	return nil
}

// TakeControl returns and clears a pending request.
func (fs *FileState) TakeControl(runID string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.controlPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading control request: %w", err)
	}
	var req controlRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("parsing control request: %w", err)
	}
	if req.RunID != runID {
		return "", nil
	}
	if err := os.Remove(fs.controlPath()); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return req.Command, nil
}

// Close is a no-op; every change is already on disk.
func (fs *FileState) Close() error {
	return nil
}

// Path returns the state file path.
func (fs *FileState) Path() string {
	return fs.path
}
