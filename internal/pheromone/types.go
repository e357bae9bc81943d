// Package pheromone implements the shared JSON-namespace-file
// environment the agents coordinate through: a read-modify-write
// store under OS-level advisory locks, plus an append-only audit log.
package pheromone

import "fmt"

// Namespace identifies one of the three typed pheromone traces.
type Namespace string

const (
	Tasks  Namespace = "tasks"
	Status Namespace = "status"
	Quality Namespace = "quality"
)

// fileMap mirrors PHEROMONE_FILE_MAP from the reference store.
var fileMap = map[Namespace]string{
	Tasks:   "tasks.json",
	Status:  "status.json",
	Quality: "quality.json",
}

// Entry is a single pheromone trace: an arbitrary JSON object keyed by
// file_key within its namespace.
type Entry map[string]any

// Namespace contains one entry per coordinate file_key.
type NamespaceData map[string]Entry

// ErrInvalidNamespace is returned by any operation given an unknown
// namespace name.
var ErrInvalidNamespace = fmt.Errorf("pheromone: invalid namespace")

func validateNamespace(ns Namespace) error {
	if _, ok := fileMap[ns]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}
