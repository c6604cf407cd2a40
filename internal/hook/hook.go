// Package hook runs the user-configured run_on_segment command for each
// closed segment, grounded on the reference muxer's externalcmd package
// (cmd_unix.go): spawn via /bin/sh -c and inject context through the
// environment. Running commands are waited for (Wait), never terminated.
package hook

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
)

// Env is the per-segment context exposed to the command as both shell
// placeholders (substituted into the template before quoting) and
// CSEG_* environment variables (for commands that don't use placeholders
// at all).
type Env struct {
	Sequence int
	Path     string
	StartTS  float64
	Duration float64
	Size     int
}

// Runner fires cfg.RunOnSegment once per completed segment. Each
// invocation runs in its own goroutine so a slow hook never blocks the
// producer; Wait blocks until every in-flight invocation has returned.
// There is no restart handling: every segment gets its own short-lived
// command, and RunOnSegmentRestart is not read.
type Runner struct {
	template string
	log      *logger.Logger

	wg sync.WaitGroup
}

// NewRunner returns a Runner for template, or nil if template is empty.
// Calling Fire on a nil *Runner is a safe no-op.
func NewRunner(template string, log *logger.Logger) *Runner {
	if template == "" {
		return nil
	}
	return &Runner{template: template, log: log}
}

// Fire substitutes seg's fields into the template's $CSEG_* placeholders
// (each shell-quoted, since a segment path may contain spaces) and runs
// the result asynchronously. The same fields are also exported as
// environment variables for commands that don't use placeholders.
func (r *Runner) Fire(env Env) {
	if r == nil {
		return
	}

	cmdstr := substitute(r.template, env)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(cmdstr, env)
	}()
}

func substitute(template string, env Env) string {
	repl := strings.NewReplacer(
		"$CSEG_PATH", quoteArg(env.Path),
		"$CSEG_SEQUENCE", quoteArg(strconv.Itoa(env.Sequence)),
		"$CSEG_START", quoteArg(strconv.FormatFloat(env.StartTS, 'f', 3, 64)),
		"$CSEG_DURATION", quoteArg(strconv.FormatFloat(env.Duration, 'f', 3, 64)),
		"$CSEG_SIZE", quoteArg(strconv.Itoa(env.Size)),
	)
	return repl.Replace(template)
}

func (r *Runner) run(cmdstr string, env Env) {
	cmd := exec.Command("/bin/sh", "-c", "exec "+cmdstr)

	cmd.Env = append(os.Environ(),
		"CSEG_PATH="+env.Path,
		"CSEG_SEQUENCE="+strconv.Itoa(env.Sequence),
		"CSEG_START="+strconv.FormatFloat(env.StartTS, 'f', 3, 64),
		"CSEG_DURATION="+strconv.FormatFloat(env.Duration, 'f', 3, 64),
		"CSEG_SIZE="+strconv.Itoa(env.Size),
	)

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if r.log != nil {
			r.log.Warnf("run_on_segment failed: %v", err)
		}
	}
}

// Wait blocks until every fired invocation has returned. csegmuxd calls
// it after closing the muxer so the last hook for the final segment
// isn't abandoned mid-run.
func (r *Runner) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

// FromSegment builds an Env from a closed Segment and a path label
// (typically the writer's destination filename).
func FromSegment(seg *segment.Segment, path string) Env {
	return Env{
		Sequence: seg.Sequence,
		Path:     path,
		StartTS:  seg.StartTS,
		Duration: seg.Duration,
		Size:     seg.Size(),
	}
}

// quoteArg shell-quotes a single substitution value so a segment path
// containing spaces or shell metacharacters can't break out of the
// command template.
func quoteArg(s string) string {
	return shellquote.Join(s)
}
