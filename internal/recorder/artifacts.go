package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"obcatalog/internal/domain"
)

// artifactValue rewrites values that have no natural JSON form:
// durations become seconds and QC states their names.
func artifactValue(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return x.Seconds()
	case *time.Duration:
		if x == nil {
			return nil
		}
		return x.Seconds()
	case domain.QC:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = artifactValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = artifactValue(e)
		}
		return out
	}
	return v
}

func encodeArtifact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifactValue(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeArtifact(path string, v any) error {
	data, err := encodeArtifact(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// taskArtifact is the task summary written next to the result file.
type taskArtifact struct {
	Observation Observation    `json:"observation"`
	Result      string         `json:"result"`
	RunInfo     map[string]any `json:"runinfo"`
}

func runInfo(exec Execution, taskID string) map[string]any {
	info := map[string]any{}
	for k, v := range exec.RunInfo {
		info[k] = v
	}
	info["taskid"] = taskID
	info["pipeline"] = exec.Pipeline
	info["recipe"] = exec.Recipe
	info["base_dir"] = exec.Env.BaseDir
	info["results_dir"] = exec.Env.ResultsDir
	info["work_dir"] = exec.Env.WorkDir
	info["data_dir"] = exec.Env.DataDir
	if !exec.Started.IsZero() {
		info["time_start"] = exec.Started
	}
	if !exec.Finished.IsZero() {
		info["time_end"] = exec.Finished
		if !exec.Started.IsZero() {
			info["time_running"] = exec.Finished.Sub(exec.Started)
		}
	}
	return info
}
