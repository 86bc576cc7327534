package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The runner's contract requires a task list and a peer-group roster
// snapshot to exist in a workspace's state directory before every
// invocation. Conversation workspaces have neither, but the files must
// still be written — the runner refuses to start a workspace whose
// auxiliary state is missing.

// tasksSnapshot mirrors the runner's tasks_snapshot.json shape.
type tasksSnapshot struct {
	IsMain bool  `json:"is_main"`
	Tasks  []any `json:"tasks"`
}

// groupsSnapshot mirrors the runner's groups_snapshot.json shape.
type groupsSnapshot struct {
	IsMain     bool  `json:"is_main"`
	Groups     []any `json:"groups"`
	ActiveJIDs []any `json:"active_jids"`
}

// SnapshotWriter publishes auxiliary state snapshots into the state
// directory shared with the runner. A zero-value writer (empty dir) is
// a no-op, for deployments where the runner manages its own state.
type SnapshotWriter struct {
	dir string
}

// NewSnapshotWriter creates a writer rooted at dir.
func NewSnapshotWriter(dir string) *SnapshotWriter {
	return &SnapshotWriter{dir: dir}
}

// Publish writes empty tasks and groups snapshots for the workspace
// folder, creating the folder's state directory if needed.
func (w *SnapshotWriter) Publish(folder string) error {
	if w == nil || w.dir == "" {
		return nil
	}

	dir := filepath.Join(w.dir, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workspace state dir: %w", err)
	}

	if err := writeJSONFile(filepath.Join(dir, "tasks_snapshot.json"), tasksSnapshot{
		IsMain: false,
		Tasks:  []any{},
	}); err != nil {
		return fmt.Errorf("write tasks snapshot: %w", err)
	}

	if err := writeJSONFile(filepath.Join(dir, "groups_snapshot.json"), groupsSnapshot{
		IsMain:     false,
		Groups:     []any{},
		ActiveJIDs: []any{},
	}); err != nil {
		return fmt.Errorf("write groups snapshot: %w", err)
	}

	return nil
}

// writeJSONFile writes v as JSON to path via a temp file and rename, so
// the runner never observes a half-written snapshot.
func writeJSONFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
