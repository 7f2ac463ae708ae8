package storage

import (
	"io"
	"os"
	"path/filepath"

	"stagerun/pkg/utils"
)

// LogStorage keeps stage output as files: <BaseDir>/<runID>/<stage>.log.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// Path returns the log file for a stage of a run.
func (ls *LogStorage) Path(runID, stage string) string {
	return filepath.Join(ls.BaseDir, sanitize(runID), logName(stage))
}

// pipelinePostLog never collides with a stage log: those always carry a
// hex hash suffix.
const pipelinePostLog = "pipeline-post.log"

// PipelinePostPath returns the log of a run's pipeline level post-actions.
func (ls *LogStorage) PipelinePostPath(runID string) string {
	return filepath.Join(ls.BaseDir, sanitize(runID), pipelinePostLog)
}

// Open opens the stage log for appending, creating directories as needed.
func (ls *LogStorage) Open(runID, stage string) (*os.File, error) {
	return openAppend(ls.Path(runID, stage))
}

// OpenPipelinePost opens the pipeline post-action log for appending.
func (ls *LogStorage) OpenPipelinePost(runID string) (*os.File, error) {
	return openAppend(ls.PipelinePostPath(runID))
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Read returns the stage log from offset on. A missing log reads as empty.
func (ls *LogStorage) Read(runID, stage string, offset int64) ([]byte, error) {
	return readFrom(ls.Path(runID, stage), offset)
}

// ReadPipelinePost returns the pipeline post-action log from offset on.
func (ls *LogStorage) ReadPipelinePost(runID string, offset int64) ([]byte, error) {
	return readFrom(ls.PipelinePostPath(runID), offset)
}

func readFrom(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}

// logName keeps the file name readable while the hash suffix keeps names
// that sanitize to the same string apart.
func logName(stage string) string {
	return sanitize(stage) + "-" + utils.HashString(stage)[:8] + ".log"
}

// sanitize removes special characters from names for filenames
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return "stage"
	}
	return string(clean)
}
