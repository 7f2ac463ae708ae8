package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagerun/internal/state"
)

func newRun(id string, stages ...string) state.Run {
	r := state.Run{
		ID:         id,
		Pipeline:   "webapp",
		Parameters: map[string]string{"BRANCH_NAME": "main"},
		CreatedAt:  time.Now(),
	}
	for i, name := range stages {
		r.Stages = append(r.Stages, state.StageResult{Name: name, Unit: i, Status: state.StagePending})
	}
	return r
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, s.CreateRun(newRun("r1", "Build")))
	assert.True(t, errors.Is(s.CreateRun(newRun("r1")), ErrRunExists))

	require.NoError(t, s.SetRunStatus("r1", state.RunRunning, nil, time.Now()))
	require.NoError(t, s.UpdateStage("r1", state.StageResult{Name: "Build", Status: state.StageSucceeded}))
	require.NoError(t, s.AddPostAction("r1", state.PostActionResult{Condition: state.PostSuccess, Status: state.PostSucceeded, At: time.Now()}))
	require.NoError(t, s.SetRunStatus("r1", state.RunSucceeded, nil, time.Now()))

	snap, err := s.Snapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, state.RunSucceeded, snap.Status)
	assert.Equal(t, state.StageSucceeded, snap.Stages[0].Status)
	assert.Len(t, snap.Post, 1)
	assert.Equal(t, state.SchemaVersion, snap.SchemaVersion)

	assert.True(t, errors.Is(s.UpdateStage("r1", state.StageResult{Name: "Build"}), ErrTerminal))
	assert.True(t, errors.Is(s.SetRunStatus("r1", state.RunFailed, nil, time.Now()), ErrTerminal))
	assert.True(t, errors.Is(s.UpdateStage("nope", state.StageResult{}), ErrRunNotFound))
}

func TestStoreRejectsSkippedTransition(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, s.CreateRun(newRun("r1")))
	assert.True(t, errors.Is(s.SetRunStatus("r1", state.RunSucceeded, nil, time.Now()), ErrBadTransition))
	require.NoError(t, s.SetRunStatus("r1", state.RunAborted, nil, time.Now()))
}

func TestSnapshotIsIdempotentAfterTerminal(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, s.CreateRun(newRun("r1", "Build")))
	require.NoError(t, s.SetRunStatus("r1", state.RunRunning, nil, time.Now()))
	require.NoError(t, s.SetRunStatus("r1", state.RunFailed, &state.ErrorInfo{Kind: state.KindStepFailed, Stage: "Build"}, time.Now()))

	a, err := s.Snapshot("r1")
	require.NoError(t, err)
	a.Stages[0].Status = "mutated by caller"
	a.Parameters["BRANCH_NAME"] = "mutated"

	b, err := s.Snapshot("r1")
	require.NoError(t, err)
	c, err := s.Snapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, b, c)
	assert.Equal(t, state.StagePending, b.Stages[0].Status)
	assert.Equal(t, "main", b.Parameters["BRANCH_NAME"])
}

func TestOutputWriterStreams(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, s.CreateRun(newRun("r1", "Build")))
	require.NoError(t, s.SetRunStatus("r1", state.RunRunning, nil, time.Now()))

	watch, err := s.Watch("r1")
	require.NoError(t, err)

	w, err := s.OutputWriter("r1", "Build")
	require.NoError(t, err)
	_, err = io.WriteString(w, "compiling\n")
	require.NoError(t, err)

	select {
	case <-watch:
	default:
		t.Fatal("watchers must be notified on output")
	}

	// readable before the writer is closed
	data, err := s.ReadLog("r1", "Build", 0)
	require.NoError(t, err)
	assert.Equal(t, "compiling\n", string(data))

	_, err = io.WriteString(w, "linking\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	tail, err := s.ReadLog("r1", "Build", int64(len("compiling\n")))
	require.NoError(t, err)
	assert.Equal(t, "linking\n", string(tail))

	snap, _ := s.Snapshot("r1")
	assert.Equal(t, int64(len("compiling\nlinking\n")), snap.Stages[0].OutputBytes)
	assert.NotEmpty(t, snap.Stages[0].Output)

	// a later stage update without output fields keeps the store's accounting
	require.NoError(t, s.UpdateStage("r1", state.StageResult{Name: "Build", Status: state.StageSucceeded}))
	snap, _ = s.Snapshot("r1")
	assert.Equal(t, int64(len("compiling\nlinking\n")), snap.Stages[0].OutputBytes)

	_, err = s.OutputWriter("r1", "Nope")
	assert.True(t, errors.Is(err, ErrStageNotFound))
}

func TestConcurrentReadersNeverSeeTornRecords(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	var stages []string
	for i := 0; i < 8; i++ {
		stages = append(stages, fmt.Sprintf("S%d", i))
	}
	require.NoError(t, s.CreateRun(newRun("r1", stages...)))
	require.NoError(t, s.SetRunStatus("r1", state.RunRunning, nil, time.Now()))

	var wg sync.WaitGroup
	for _, name := range stages {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, s.UpdateStage("r1", state.StageResult{
					Name:     name,
					Status:   state.StageRunning,
					ExitCode: i,
					Steps:    []state.StepRecord{{Name: name, ExitCode: i}},
				}))
			}
		}(name)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap, err := s.Snapshot("r1")
				assert.NoError(t, err)
				for _, st := range snap.Stages {
					if len(st.Steps) == 1 {
						assert.Equal(t, st.ExitCode, st.Steps[0].ExitCode)
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestRestoreFromJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	j, _, err := OpenJournal(path, nil)
	require.NoError(t, err)

	s := NewStore(dir, j)
	require.NoError(t, s.CreateRun(newRun("done", "Build")))
	require.NoError(t, s.SetRunStatus("done", state.RunRunning, nil, time.Now()))
	require.NoError(t, s.UpdateStage("done", state.StageResult{Name: "Build", Status: state.StageSucceeded}))
	require.NoError(t, s.SetRunStatus("done", state.RunSucceeded, nil, time.Now()))

	require.NoError(t, s.CreateRun(newRun("cut", "Build")))
	require.NoError(t, s.SetRunStatus("cut", state.RunRunning, nil, time.Now()))
	require.NoError(t, s.UpdateStage("cut", state.StageResult{Name: "Build", Status: state.StageRunning}))
	require.NoError(t, j.Close())

	j2, records, err := OpenJournal(path, nil)
	require.NoError(t, err)
	defer j2.Close()
	restored := NewStore(dir, j2)
	require.NoError(t, restored.Restore(records))

	done, err := restored.Snapshot("done")
	require.NoError(t, err)
	assert.Equal(t, state.RunSucceeded, done.Status)
	assert.Equal(t, state.StageSucceeded, done.Stages[0].Status)

	cut, err := restored.Snapshot("cut")
	require.NoError(t, err)
	assert.Equal(t, state.RunAborted, cut.Status)
	require.NotNil(t, cut.Error)
	assert.Equal(t, state.KindInterrupted, cut.Error.Kind)
	assert.Equal(t, state.StageFailed, cut.Stages[0].Status)

	require.NoError(t, j2.Verify())
	assert.Len(t, restored.List(), 2)
}

type memPutter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memPutter) PutObject(_ context.Context, name string, r io.Reader, size int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	return nil
}

func TestArchiveRun(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, s.CreateRun(newRun("r1", "Build", "Lint")))
	require.NoError(t, s.SetRunStatus("r1", state.RunRunning, nil, time.Now()))
	w, err := s.OutputWriter("r1", "Build")
	require.NoError(t, err)
	_, err = io.WriteString(w, "docker build -t app .\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	put := &memPutter{objects: map[string][]byte{}}
	a := NewArchiver(s, put)
	assert.Error(t, a.ArchiveRun(context.Background(), "r1"), "running runs are not archived")

	require.NoError(t, s.SetRunStatus("r1", state.RunSucceeded, nil, time.Now()))
	require.NoError(t, a.ArchiveRun(context.Background(), "r1"))

	assert.Contains(t, put.objects, "r1/run.json")
	assert.Len(t, put.objects, 2, "stages without output are not uploaded")

	post, err := s.Logs().OpenPipelinePost("r1")
	require.NoError(t, err)
	_, err = io.WriteString(post, "notify\n")
	require.NoError(t, err)
	require.NoError(t, post.Close())
	require.NoError(t, a.ArchiveRun(context.Background(), "r1"))
	assert.Contains(t, put.objects, "r1/"+pipelinePostLog+".zst")
	assert.Len(t, put.objects, 3)

	compressed := put.objects["r1/"+logName("Build")+".zst"]
	require.NotEmpty(t, compressed)
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, "docker build -t app .\n", string(plain))
}

func TestLogNamesDoNotCollide(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	assert.NotEqual(t, ls.Path("r1", "a b"), ls.Path("r1", "ab"))
	for _, stage := range []string{"pipeline post", "pipeline-post", "pipeline-post.log"} {
		assert.NotEqual(t, ls.PipelinePostPath("r1"), ls.Path("r1", stage))
	}

	f, err := ls.OpenPipelinePost("r1")
	require.NoError(t, err)
	_, err = io.WriteString(f, "notify\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	post, err := ls.ReadPipelinePost("r1", 0)
	require.NoError(t, err)
	assert.Equal(t, "notify\n", string(post))
	stage, err := ls.Read("r1", "pipeline post", 0)
	require.NoError(t, err)
	assert.Empty(t, stage)
	assert.Equal(t, "stage", sanitize("!!"))
}
