// Package metrics persists one JSONL record per completed run and
// aggregates them into summary statistics.
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/taskweave/taskweave"
)

// maxPersistedValue caps payloads and reasons in the log so one oversized
// provider response cannot bloat the file.
const maxPersistedValue = 2000

// PlanEntry is the logged shape of one planned step.
type PlanEntry struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// OutcomeEntry is the logged shape of one step outcome.
type OutcomeEntry struct {
	StepID   string `json:"step_id"`
	Tool     string `json:"tool"`
	Status   string `json:"status"`
	Payload  string `json:"payload,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

// Entry is one line of the run log.
type Entry struct {
	Timestamp   time.Time        `json:"timestamp"`
	RunID       string           `json:"run_id"`
	Query       string           `json:"query"`
	GoalType    string           `json:"goal_type"`
	Plan        []PlanEntry      `json:"plan,omitempty"`
	Outcomes    []OutcomeEntry   `json:"outcomes,omitempty"`
	FinalAnswer string           `json:"final_answer"`
	Score       *taskweave.Score `json:"score,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	Completed   bool             `json:"completed"`
}

// Store appends run records to a JSONL file. Appends are serialized by a
// mutex so concurrent runs never interleave partial lines.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store writing to path, creating the parent directory
// if needed.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, taskweave.NewConfigurationError("metrics path cannot be empty", nil)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, taskweave.NewPersistError(err)
		}
	}
	return &Store{path: path}, nil
}

// Path returns the log file location.
func (s *Store) Path() string { return s.path }

// Append implements taskweave.MetricsStore. It writes one JSON line for
// the record. Failures are returned, never swallowed.
func (s *Store) Append(record *taskweave.RunRecord, score *taskweave.Score) error {
	if record == nil {
		return taskweave.NewPersistError(fmt.Errorf("cannot persist a nil run record"))
	}

	entry := toEntry(record, score)
	line, err := json.Marshal(entry)
	if err != nil {
		return taskweave.NewPersistError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return taskweave.NewPersistError(err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return taskweave.NewPersistError(err)
	}
	return nil
}

// ReadAll returns every parseable entry in the log. Unparseable lines,
// including a partial trailing line from an interrupted write, are
// skipped rather than failing the read.
func (s *Store) ReadAll() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, taskweave.NewPersistError(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, taskweave.NewPersistError(err)
	}
	return entries, nil
}

func toEntry(record *taskweave.RunRecord, score *taskweave.Score) Entry {
	entry := Entry{
		Timestamp:   record.Timestamp,
		RunID:       record.ID,
		Query:       record.Query,
		GoalType:    InferGoalType(record),
		FinalAnswer: truncate(record.FinalAnswer, maxPersistedValue),
		Score:       score,
		DurationMS:  record.Duration.Milliseconds(),
		Completed:   record.Plan.Len() > 0,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if record.Plan != nil {
		for _, step := range record.Plan.Steps {
			pe := PlanEntry{Tool: step.ToolName}
			if len(step.Params) > 0 {
				pe.Params = make(map[string]any, len(step.Params))
				for name, src := range step.Params {
					pe.Params[name] = describeParam(src)
				}
			}
			entry.Plan = append(entry.Plan, pe)
		}
	}

	for _, out := range record.Outcomes {
		oe := OutcomeEntry{
			StepID:   out.StepID,
			Tool:     out.ToolName,
			Status:   string(out.Status),
			Attempts: out.Attempts,
		}
		if out.Succeeded() {
			if payload, err := json.Marshal(out.Payload); err == nil {
				oe.Payload = truncate(string(payload), maxPersistedValue)
			}
		} else {
			oe.Reason = truncate(out.Reason, maxPersistedValue)
		}
		entry.Outcomes = append(entry.Outcomes, oe)
	}

	return entry
}

func describeParam(src taskweave.ParamSource) any {
	switch src.Type {
	case taskweave.ParamSourceLiteral:
		return src.Value
	case taskweave.ParamSourceDependency:
		if src.OutputField == "" || src.OutputField == "*" {
			return fmt.Sprintf("$%s.output", src.DependencyStepID)
		}
		return fmt.Sprintf("$%s.output.%s", src.DependencyStepID, src.OutputField)
	case taskweave.ParamSourceExpression:
		return "${" + src.Expression + "}"
	default:
		return "<from query>"
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// InferGoalType classifies a run by its plan's tools, falling back to the
// query text when no plan exists.
func InferGoalType(record *taskweave.RunRecord) string {
	if record.Plan != nil {
		for _, step := range record.Plan.Steps {
			switch step.ToolName {
			case "get_weather":
				return "weather"
			case "tavily_search":
				return "search"
			case "create_issue", "list_issues", "get_file_contents":
				return "tracker"
			}
		}
	}

	query := strings.ToLower(record.Query)
	switch {
	case strings.Contains(query, "weather") || strings.Contains(query, "temperature"):
		return "weather"
	case strings.Contains(query, "search") || strings.Contains(query, "find"):
		return "search"
	case strings.Contains(query, "issue") || strings.Contains(query, "repo"):
		return "tracker"
	default:
		return "other"
	}
}
