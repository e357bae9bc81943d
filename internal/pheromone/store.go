package pheromone

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/stigmergic-migrate/coordinator/internal/decay"
	"github.com/stigmergic-migrate/coordinator/internal/guardrail"
)

// Config carries the tunables the store reads from the typed
// pheromones/thresholds config sections.
type Config struct {
	DecayType              decay.Kind
	DecayRate              float64
	InhibitionDecayRate    float64
	TaskIntensityClampMin  float64
	TaskIntensityClampMax  float64
	Guardrails             *guardrail.Guardrails
}

// Store is the JSON-file-backed pheromone environment shared by every
// agent and the scheduler. It wraps a directory containing one JSON
// object per namespace plus an append-only audit log, all mutated
// under per-file OS advisory locks.
type Store struct {
	dir           string
	auditLogPath  string
	cfg           Config
}

// Open ensures the pheromones directory and its namespace files exist
// (creating empty "{}" files as needed) and returns a ready Store.
func Open(dir string, cfg Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pheromone: store: mkdir %s: %w", dir, err)
	}
	s := &Store{
		dir:          dir,
		auditLogPath: filepath.Join(dir, "audit_log.jsonl"),
		cfg:          cfg,
	}
	for ns := range fileMap {
		if err := s.ensureNamespaceFile(ns); err != nil {
			return nil, err
		}
	}
	if _, err := os.OpenFile(s.auditLogPath, os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("pheromone: store: touch audit log: %w", err)
	}
	return s, nil
}

// AuditLogPath exposes the audit log location to the metrics collector.
func (s *Store) AuditLogPath() string {
	return s.auditLogPath
}

func (s *Store) namespacePath(ns Namespace) string {
	return filepath.Join(s.dir, fileMap[ns])
}

func (s *Store) ensureNamespaceFile(ns Namespace) error {
	path := s.namespacePath(ns)
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pheromone: store: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		return fmt.Errorf("pheromone: store: init %s: %w", path, err)
	}
	return nil
}

func (s *Store) readJSONFile(path string) (NamespaceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pheromone: store: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return NamespaceData{}, nil
	}
	var data NamespaceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("pheromone: store: corrupt namespace file %s: %w", path, err)
	}
	if data == nil {
		data = NamespaceData{}
	}
	return data, nil
}

func (s *Store) writeJSONFile(path string, data NamespaceData) error {
	payload, err := marshalSortedKeys(data)
	if err != nil {
		return fmt.Errorf("pheromone: store: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("pheromone: store: write %s: %w", path, err)
	}
	return nil
}

// marshalSortedKeys renders the namespace map with sorted keys and
// 2-space indentation plus a trailing newline, matching
// _dump_json_to_handle's json.dump(..., indent=2, sort_keys=True).
func marshalSortedKeys(data NamespaceData) ([]byte, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{', '\n')
	for i, k := range keys {
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.MarshalIndent(data[k], "  ", "  ")
		if err != nil {
			return nil, err
		}
		buf = append(buf, []byte("  ")...)
		buf = append(buf, keyJSON...)
		buf = append(buf, ':', ' ')
		buf = append(buf, valJSON...)
		if i < len(keys)-1 {
			buf = append(buf, ',')
		}
		buf = append(buf, '\n')
	}
	buf = append(buf, '}', '\n')
	return buf, nil
}

// withNamespaceLock runs fn with an advisory lock held on the
// namespace file (exclusive, or shared when exclusive is false), passing the freshly read data and expecting the
// (possibly mutated) data back to persist. A nil returned data skips
// the write-back (useful for read-only callers that still want lock
// serialization against concurrent writers).
func (s *Store) withNamespaceLock(ns Namespace, exclusive bool, fn func(NamespaceData) (NamespaceData, error)) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	path := s.namespacePath(ns)
	lock := flock.New(path + ".lock")
	var err error
	if exclusive {
		err = lock.Lock()
	} else {
		err = lock.RLock()
	}
	if err != nil {
		return fmt.Errorf("pheromone: store: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := s.readJSONFile(path)
	if err != nil {
		return err
	}
	result, err := fn(data)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return s.writeJSONFile(path, result)
}

// ReadAll returns every entry in the namespace.
func (s *Store) ReadAll(ns Namespace) (NamespaceData, error) {
	var out NamespaceData
	err := s.withNamespaceLock(ns, false, func(data NamespaceData) (NamespaceData, error) {
		out = data
		return nil, nil
	})
	return out, err
}

// ReadOne returns a single entry, or (nil, false) if absent.
func (s *Store) ReadOne(ns Namespace, fileKey string) (Entry, bool, error) {
	data, err := s.ReadAll(ns)
	if err != nil {
		return nil, false, err
	}
	entry, ok := data[fileKey]
	return entry, ok, nil
}

// Query returns every entry in the namespace matching all filters.
func (s *Store) Query(ns Namespace, filters []Filter) (NamespaceData, error) {
	data, err := s.ReadAll(ns)
	if err != nil {
		return nil, err
	}
	out := NamespaceData{}
	for key, entry := range data {
		ok, err := Matches(entry, filters)
		if err != nil {
			return nil, fmt.Errorf("pheromone: query: %w", err)
		}
		if ok {
			out[key] = entry
		}
	}
	return out, nil
}

// enforceScopeLock reads the live status entry for fileKey and runs it
// through the guardrail before any non-decay write/update, per
// §4.2/§4.3.1. A nil Guardrails (not configured) disables the check.
func (s *Store) enforceScopeLock(fileKey, agentID string) error {
	if s.cfg.Guardrails == nil {
		return nil
	}
	statusEntry, _, err := s.ReadOne(Status, fileKey)
	if err != nil {
		return err
	}
	return s.cfg.Guardrails.EnforceScopeLock(fileKey, agentID, guardrail.StatusEntry(statusEntry))
}

// Write inserts or replaces an entry under file_key, enforcing the
// scope lock, stamping created_by/timestamp, running the status
// finalizer when writing the status namespace, and appending an audit
// event.
func (s *Store) Write(ns Namespace, fileKey string, payload Entry, agentID string) error {
	if err := s.enforceScopeLock(fileKey, agentID); err != nil {
		return fmt.Errorf("pheromone: write %s/%s: %w", ns, fileKey, err)
	}

	merged := Entry{}
	for k, v := range payload {
		merged[k] = v
	}
	if err := guardrail.StampTrace(merged, agentID, "write"); err != nil {
		return fmt.Errorf("pheromone: write: %w", err)
	}

	var previous Entry
	err := s.withNamespaceLock(ns, true, func(data NamespaceData) (NamespaceData, error) {
		previous = data[fileKey]
		if ns == Status {
			finalizeStatusEntry(merged, previous, s.cfg.Guardrails, agentID)
		}
		data[fileKey] = merged
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("pheromone: write %s/%s: %w", ns, fileKey, err)
	}

	changed, prevValues := diffChangedFields(previous, merged)
	return appendAuditEvents(s.auditLogPath, []AuditEvent{{
		Timestamp:      merged["timestamp"].(string),
		Namespace:      string(ns),
		FileKey:        fileKey,
		AgentID:        agentID,
		Action:         "write",
		FieldsChanged:  changed,
		PreviousValues: prevValues,
		UpdatedValues:  merged,
	}})
}

// Update applies a read-modify-write patch to an existing entry,
// enforcing the scope lock, stamping updated_by/timestamp, running the
// status finalization rules, and appending an audit event. Missing
// entries are treated as an empty base (matching the reference
// store's permissive upsert semantics for the status namespace).
func (s *Store) Update(ns Namespace, fileKey string, fields map[string]any, agentID string) error {
	if err := s.enforceScopeLock(fileKey, agentID); err != nil {
		return fmt.Errorf("pheromone: update %s/%s: %w", ns, fileKey, err)
	}

	var previous, updated Entry
	err := s.withNamespaceLock(ns, true, func(data NamespaceData) (NamespaceData, error) {
		previous = data[fileKey]
		base := Entry{}
		for k, v := range previous {
			base[k] = v
		}
		for k, v := range fields {
			base[k] = v
		}
		if err := guardrail.StampTrace(base, agentID, "update"); err != nil {
			return nil, err
		}
		if ns == Status {
			finalizeStatusEntry(base, previous, s.cfg.Guardrails, agentID)
		}
		updated = base
		data[fileKey] = base
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("pheromone: update %s/%s: %w", ns, fileKey, err)
	}

	changed, prevValues := diffChangedFields(previous, updated)
	return appendAuditEvents(s.auditLogPath, []AuditEvent{{
		Timestamp:      updated["timestamp"].(string),
		Namespace:      string(ns),
		FileKey:        fileKey,
		AgentID:        agentID,
		Action:         "update",
		FieldsChanged:  changed,
		PreviousValues: prevValues,
		UpdatedValues:  updated,
	}})
}

// finalizeStatusEntry mirrors _finalize_status_entry: pops the
// transient current_tick field, enforces retry_count's monotonic max,
// acquires/releases the scope lock based on the new status, and
// coerces the status to "skipped" once the retry cap is exceeded.
func finalizeStatusEntry(entry, previous Entry, g *guardrail.Guardrails, agentID string) {
	currentTick, hasTick := toIntAny(entry["current_tick"])
	delete(entry, "current_tick")

	if prevRC, ok := toIntAny(previous["retry_count"]); ok {
		if newRC, ok2 := toIntAny(entry["retry_count"]); !ok2 || newRC < prevRC {
			entry["retry_count"] = prevRC
		}
	}

	if g != nil {
		if rc, ok := toIntAny(entry["retry_count"]); ok && g.EnforceRetryLimit(rc) {
			entry["status"] = "skipped"
		}
	}

	status, _ := entry["status"].(string)
	gs := guardrail.StatusEntry(entry)
	if status == "in_progress" {
		tick := 0
		if hasTick {
			tick = currentTick
		}
		guardrail.AcquireScopeLock(gs, agentID, tick)
	} else {
		guardrail.ReleaseScopeLock(gs, agentID)
	}
}

func toIntAny(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// ApplyDecay decays the intensity field of every entry in the given
// namespace (normally "tasks") whose corresponding status entry is
// "pending" or "retry" — decay on any other status (in_progress,
// transformed, tested, validated, needs_review, skipped) is a no-op,
// per §4.3's apply_decay("tasks"). Acts as the non-owning
// "system_decay" actor: each genuinely changed entry gets exactly one
// stamped audit event; bit-for-bit unchanged values emit none.
func (s *Store) ApplyDecay(ns Namespace) error {
	statusData, err := s.ReadAll(Status)
	if err != nil {
		return fmt.Errorf("pheromone: apply decay: %w", err)
	}

	var events []AuditEvent
	err = s.withNamespaceLock(ns, true, func(data NamespaceData) (NamespaceData, error) {
		for key, entry := range data {
			status, hasStatus := statusData[key]["status"].(string)
			if !hasStatus || status == "" {
				status = "pending"
			}
			if status != "pending" && status != "retry" {
				continue
			}
			intensity, ok := asFloatAny(entry["intensity"])
			if !ok {
				continue
			}
			decayed, err := decay.Intensity(intensity, s.cfg.DecayType, s.cfg.DecayRate)
			if err != nil {
				return nil, fmt.Errorf("pheromone: decay %s: %w", key, err)
			}
			if decayed == intensity {
				continue
			}

			previous := Entry{}
			for k, v := range entry {
				previous[k] = v
			}
			entry["intensity"] = decayed
			entry["timestamp"] = guardrail.UTCTimestamp()
			entry["updated_by"] = "system_decay"
			data[key] = entry

			changed, prevValues := diffChangedFields(previous, entry)
			events = append(events, AuditEvent{
				Timestamp:      entry["timestamp"].(string),
				Namespace:      string(ns),
				FileKey:        key,
				AgentID:        "system_decay",
				Action:         "update",
				FieldsChanged:  changed,
				PreviousValues: prevValues,
				UpdatedValues:  entry,
			})
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("pheromone: apply decay: %w", err)
	}
	return appendAuditEvents(s.auditLogPath, events)
}

// ApplyDecayInhibition decays every status entry's inhibition field in
// place, stamping and auditing each genuinely changed entry as the
// "system_decay" actor; unchanged values emit no event.
func (s *Store) ApplyDecayInhibition() error {
	var events []AuditEvent
	err := s.withNamespaceLock(Status, true, func(data NamespaceData) (NamespaceData, error) {
		for key, entry := range data {
			inhibition, ok := asFloatAny(entry["inhibition"])
			if !ok {
				continue
			}
			decayed, err := decay.Inhibition(inhibition, s.cfg.InhibitionDecayRate)
			if err != nil {
				return nil, fmt.Errorf("pheromone: decay inhibition %s: %w", key, err)
			}
			if decayed == inhibition {
				continue
			}

			previous := Entry{}
			for k, v := range entry {
				previous[k] = v
			}
			entry["inhibition"] = decayed
			entry["timestamp"] = guardrail.UTCTimestamp()
			entry["updated_by"] = "system_decay"
			data[key] = entry

			changed, prevValues := diffChangedFields(previous, entry)
			events = append(events, AuditEvent{
				Timestamp:      entry["timestamp"].(string),
				Namespace:      string(Status),
				FileKey:        key,
				AgentID:        "system_decay",
				Action:         "update",
				FieldsChanged:  changed,
				PreviousValues: prevValues,
				UpdatedValues:  entry,
			})
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("pheromone: apply decay inhibition: %w", err)
	}
	return appendAuditEvents(s.auditLogPath, events)
}

func asFloatAny(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// MaintenanceResult reports what MaintainStatus changed this tick.
type MaintenanceResult struct {
	TTLReleased   []string
	RetryRequeued []string
}

// MaintainStatus runs the scope-lock TTL sweep followed by the
// retry-queue-to-pending requeue, both against the live status
// namespace under a single exclusive lock, and returns what changed.
// Neither action bumps inhibition (see SPEC_FULL.md C2 Open Question 2).
func (s *Store) MaintainStatus(currentTick int) (MaintenanceResult, error) {
	var result MaintenanceResult
	err := s.withNamespaceLock(Status, true, func(data NamespaceData) (NamespaceData, error) {
		typed := make(map[string]guardrail.StatusEntry, len(data))
		for k, v := range data {
			typed[k] = guardrail.StatusEntry(v)
		}
		if s.cfg.Guardrails != nil {
			result.TTLReleased = s.cfg.Guardrails.EnforceScopeLockTTL(typed, currentTick)
		}
		for key, entry := range data {
			status, _ := entry["status"].(string)
			if status != "retry" {
				continue
			}
			entry["previous_status"] = status
			entry["status"] = "pending"
			entry["timestamp"] = guardrail.UTCTimestamp()
			entry["updated_by"] = "system_retry"
			data[key] = entry
			result.RetryRequeued = append(result.RetryRequeued, key)
		}
		return data, nil
	})
	if err != nil {
		return result, fmt.Errorf("pheromone: maintain status: %w", err)
	}
	return result, nil
}
