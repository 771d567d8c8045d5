package recorder

import (
	"fmt"
	"os"
	"path/filepath"

	"obcatalog/internal/domain"
)

const (
	resultFile = "result.json"
	taskFile   = "task.json"
)

// WorkEnvironment is the directory layout of one task run.
type WorkEnvironment struct {
	BaseDir    string
	WorkDir    string
	ResultsDir string
	DataDir    string
}

func taskDirName(taskID, obID string) string {
	return fmt.Sprintf("task_%s_%s", taskID, obID)
}

// NewWorkEnvironment lays out task_<task>_<ob>/{work,results} under baseDir.
// An empty dataDir means baseDir/data.
func NewWorkEnvironment(baseDir, dataDir string, task domain.Task) WorkEnvironment {
	dir := filepath.Join(baseDir, taskDirName(task.ID, task.OBID))
	if dataDir == "" {
		dataDir = filepath.Join(baseDir, "data")
	}
	return WorkEnvironment{
		BaseDir:    baseDir,
		WorkDir:    filepath.Join(dir, "work"),
		ResultsDir: filepath.Join(dir, "results"),
		DataDir:    dataDir,
	}
}

// Prepare creates the work and results directories.
func (w WorkEnvironment) Prepare() error {
	for _, d := range []string{w.WorkDir, w.ResultsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", d, err)
		}
	}
	return nil
}

func (w WorkEnvironment) ResultPath() string { return filepath.Join(w.ResultsDir, resultFile) }
func (w WorkEnvironment) TaskPath() string   { return filepath.Join(w.ResultsDir, taskFile) }

// relToBase expresses path relative to the base directory.
func (w WorkEnvironment) relToBase(path string) (string, error) {
	rel, err := filepath.Rel(w.BaseDir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
