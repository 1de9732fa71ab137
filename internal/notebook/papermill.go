// Package notebook executes parameterised Jupyter notebooks with papermill.
package notebook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"popsync/internal/dispatch"
	"popsync/internal/errdefs"
	"popsync/internal/store"

	"github.com/sirupsen/logrus"
)

// Runner runs an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Papermill downloads a notebook from the object store, executes it with
// papermill and, when an output prefix is configured, uploads the executed
// notebook next to the data. Without an output prefix only papermill's log
// is kept.
type Papermill struct {
	Store        store.ObjectStore
	Binary       string
	Kernel       string
	OutputPrefix string
	WorkDir      string

	run Runner
	now func() time.Time
	log *logrus.Entry
}

func NewPapermill(st store.ObjectStore, binary, kernel, outputPrefix, workDir string) *Papermill {
	return &Papermill{
		Store:        st,
		Binary:       binary,
		Kernel:       kernel,
		OutputPrefix: outputPrefix,
		WorkDir:      workDir,
		run:          execRunner,
		now:          time.Now,
		log:          logrus.WithField("component", "notebook"),
	}
}

// WithRunner replaces the command runner.
func (p *Papermill) WithRunner(r Runner) *Papermill {
	p.run = r
	return p
}

// WithClock replaces the clock used for output names and timestamps.
func (p *Papermill) WithClock(now func() time.Time) *Papermill {
	p.now = now
	return p
}

// Execute runs the notebook stored at inputKey with params.
func (p *Papermill) Execute(ctx context.Context, inputKey string, params map[string]string) (dispatch.Execution, error) {
	if inputKey == "" {
		return dispatch.Execution{}, errdefs.Config("notebook.input_key", errors.New("no notebook configured"))
	}

	src, err := p.Store.Get(ctx, inputKey)
	if err != nil {
		return dispatch.Execution{}, fmt.Errorf("download notebook %s: %w", inputKey, err)
	}

	dir, err := os.MkdirTemp(p.WorkDir, "popsync-nb-")
	if err != nil {
		return dispatch.Execution{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.ipynb")
	out := filepath.Join(dir, "output.ipynb")
	if err := os.WriteFile(in, src, 0o644); err != nil {
		return dispatch.Execution{}, fmt.Errorf("write notebook: %w", err)
	}

	args := []string{in, out}
	if p.Kernel != "" {
		args = append(args, "-k", p.Kernel)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// -r keeps values as raw strings instead of letting papermill guess types.
		args = append(args, "-r", k, params[k])
	}

	logs, err := p.run(ctx, p.Binary, args...)
	executedAt := p.now().UTC()
	if err != nil {
		return dispatch.Execution{}, fmt.Errorf("%s failed: %w: %s", p.Binary, err, tail(logs, 512))
	}

	if p.OutputPrefix == "" {
		p.log.WithField("notebook", inputKey).Infof("executed without output upload:\n%s", logs)
		return dispatch.Execution{ExecutedAt: executedAt}, nil
	}

	executed, err := os.ReadFile(out)
	if err != nil {
		return dispatch.Execution{}, fmt.Errorf("read executed notebook: %w", err)
	}
	key := p.OutputPrefix + OutputName(inputKey, executedAt)
	if err := p.Store.Put(ctx, key, executed, "application/x-ipynb+json"); err != nil {
		return dispatch.Execution{}, fmt.Errorf("upload executed notebook: %w", err)
	}
	return dispatch.Execution{OutputLocator: key, ExecutedAt: executedAt}, nil
}

// OutputName derives the executed notebook's file name from the input key.
func OutputName(inputKey string, at time.Time) string {
	base := strings.TrimSuffix(path.Base(inputKey), ".ipynb")
	return fmt.Sprintf("%s_%s.ipynb", base, at.UTC().Format("20060102_150405"))
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

var _ dispatch.Executor = (*Papermill)(nil)
