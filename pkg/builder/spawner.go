package builder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

// Process is a spawned CloneWorker: a background OS process plus the
// channel its single WorkerResult arrives on. Mirrors the process
// isolation pkg/vm/jailer.go applies to untrusted Firecracker guests,
// here applied to untrusted vSphere/SSH/guest-client code (spec section
// 4.5's "isolate native-library crashes" rationale).
type Process interface {
	// Results yields at most one WorkerResult, then closes.
	Results() <-chan domain.WorkerResult
	// Wait blocks until the process exits.
	Wait() error
	// Kill forcibly terminates the process if still running.
	Kill() error
}

// Spawner starts one CloneWorker process per task.
type Spawner interface {
	Spawn(ctx context.Context, task domain.CloneTask) (Process, error)
}

// ProcessSpawner launches the refiller-worker binary as a child process,
// one per CloneTask, and decodes its single JSON WorkerResult line from
// stdout.
type ProcessSpawner struct {
	// BinaryPath is the refiller-worker executable (cmd/refiller-worker).
	BinaryPath string
	// Env is appended to the child's environment in addition to the
	// parent's, carrying connection config down to the subprocess.
	Env []string
	Log *logrus.Entry
}

var _ Spawner = (*ProcessSpawner)(nil)

func (s *ProcessSpawner) Spawn(ctx context.Context, task domain.CloneTask) (Process, error) {
	cmd := exec.CommandContext(ctx, s.BinaryPath, "-job-id", task.JobID.String())
	cmd.Env = append(os.Environ(), s.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker spawn: %w", err)
	}

	p := &osProcess{cmd: cmd, results: make(chan domain.WorkerResult, 1), readDone: make(chan struct{}), log: s.Log}
	go p.readResult(stdout)
	return p, nil
}

type osProcess struct {
	cmd     *exec.Cmd
	results chan domain.WorkerResult
	log     *logrus.Entry

	// readDone closes once readResult has read stdout to EOF (discarding
	// anything after its one accepted result). cmd.Wait() must not be
	// called until this closes: the
	// os/exec contract is that Wait closes the StdoutPipe read end once
	// the process exits, and it is incorrect to call Wait before all
	// reads from the pipe have completed.
	readDone chan struct{}
}

func (p *osProcess) Results() <-chan domain.WorkerResult { return p.results }

func (p *osProcess) Wait() error {
	<-p.readDone
	return p.cmd.Wait()
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) readResult(stdout io.Reader) {
	defer close(p.readDone)
	defer close(p.results)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var r domain.WorkerResult
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			p.log.WithError(err).Debug("worker stdout line was not a WorkerResult, ignoring")
			continue
		}
		p.results <- r
		// Exactly one result accepted (spec 9); drain the rest of stdout
		// so EOF is reached before Wait unblocks, without holding onto
		// anything read.
		_, _ = io.Copy(io.Discard, stdout)
		return
	}
}

// resultGrace bounds how long the pool waits for a result to appear on
// the channel after the process has exited, before treating it as a
// silent exit (spec 4.6 step 5).
const resultGrace = 2 * time.Second
