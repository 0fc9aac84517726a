package coordinator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countLines(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(b), "\n")
}

func TestProcessPool_CleanExitIsNotReplaced(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	p := &ProcessPool{Size: 1, Command: []string{"sh", "-c", "echo run >> " + marker}}
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.Running() == 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, countLines(marker))
	require.NoError(t, p.Stop(context.Background()))
}

func TestProcessPool_RestartCodeRespawns(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	p := &ProcessPool{Size: 1, Command: []string{"sh", "-c", "echo run >> " + marker + "; exit 100"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool { return countLines(marker) >= 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
}

func TestProcessPool_PortsAreRecycled(t *testing.T) {
	p := &ProcessPool{Size: 2, BasePort: 14000, Command: []string{"true"}}
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop(context.Background()) }()

	a := &WorkerHandle{ID: "a"}
	b := &WorkerHandle{ID: "b"}
	c := &WorkerHandle{ID: "c"}
	p.WorkerJoined(a)
	p.WorkerJoined(b)
	p.WorkerJoined(c) // no slot left

	p.mu.Lock()
	assert.Equal(t, 14000, p.ports["a"])
	assert.Equal(t, 14001, p.ports["b"])
	_, hasC := p.ports["c"]
	p.mu.Unlock()
	assert.False(t, hasC)

	p.WorkerLeft(a, nil)
	p.WorkerJoined(c)
	p.mu.Lock()
	assert.Equal(t, 14000, p.ports["c"])
	p.mu.Unlock()
}

func TestProcessPool_RequiresCommand(t *testing.T) {
	p := &ProcessPool{Size: 1}
	assert.Error(t, p.Start(context.Background()))
}

func TestProcessPool_WorkerStartedAfterStopIsTerminated(t *testing.T) {
	p := &ProcessPool{Size: 0, Command: []string{"sleep", "30"}}
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	// a spawn that passed its stopped check before Stop ran
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	p.track(context.Background(), cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, 0, p.Running())
	assert.False(t, cmd.ProcessState.Success())
}
