package queuescript

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/queue"
)

// scriptEnv is the immutable snapshot passed to a script process; it is
// captured under the queue lock when the item starts.
type scriptEnv struct {
	NzbID        int
	NzbName      string
	Filename     string
	DestDir      string
	URL          string
	Category     string
	Priority     int
	DupeKey      string
	DupeScore    int
	DupeMode     queue.DupeMode
	Event        queue.EventKind
	DeleteStatus queue.DeleteStatus
	UrlStatus    queue.UrlStatus
	Parameters   queue.Parameters
}

func snapshotEnv(nzb *queue.NzbInfo, script *config.ScriptDef, event queue.EventKind) *scriptEnv {
	return &scriptEnv{
		NzbID:        nzb.ID,
		NzbName:      nzb.Name,
		Filename:     nzb.Filename,
		DestDir:      nzb.DestDir,
		URL:          nzb.URL,
		Category:     nzb.Category,
		Priority:     nzb.Priority,
		DupeKey:      nzb.DupeKey,
		DupeScore:    nzb.DupeScore,
		DupeMode:     nzb.DupeMode,
		Event:        event,
		DeleteStatus: nzb.DeleteStatus,
		UrlStatus:    nzb.UrlStatus,
		Parameters:   append(queue.Parameters{}, nzb.Parameters...),
	}
}

func (e *scriptEnv) environ() []string {
	env := os.Environ()
	env = append(env,
		"NZBNA_NZBNAME="+e.NzbName,
		fmt.Sprintf("NZBNA_NZBID=%d", e.NzbID),
		"NZBNA_FILENAME="+e.Filename,
		"NZBNA_DIRECTORY="+e.DestDir,
		"NZBNA_URL="+e.URL,
		"NZBNA_CATEGORY="+e.Category,
		fmt.Sprintf("NZBNA_PRIORITY=%d", e.Priority),
		"NZBNA_DUPEKEY="+e.DupeKey,
		fmt.Sprintf("NZBNA_DUPESCORE=%d", e.DupeScore),
		"NZBNA_DUPEMODE="+e.DupeMode.String(),
		"NZBNA_EVENT="+e.Event.String(),
		"NZBNA_DELETESTATUS="+e.DeleteStatus.String(),
		"NZBNA_URLSTATUS="+e.UrlStatus.String(),
	)

	for _, param := range e.Parameters {
		env = append(env, "NZBPR_"+paramEnvName(param.Name)+"="+param.Value)
	}

	return env
}

// paramEnvName maps a parameter name to an environment-safe form.
func paramEnvName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// RunSpec describes one script invocation for a Runner.
type RunSpec struct {
	ScriptPath  string
	DisplayName string
	Env         []string
	// OnOutput receives every stdout/stderr line.
	OnOutput func(line string)
}

// Runner executes a script process. The exec-based implementation is
// replaced by a fake in tests.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) error
}

// runScript executes one queue item and applies its command channel.
func (c *Coordinator) runScript(it *item, env *scriptEnv) {
	kind := "queue-script"
	if it.event == queue.EventFileDownloaded {
		c.log.Debug("Executing "+kind, "script", it.script.Name, "nzb", env.NzbName, "event", it.event.String())
	} else {
		c.log.Info("Executing "+kind, "script", it.script.Name, "nzb", env.NzbName, "event", it.event.String())
	}

	markBad := false
	prefix := it.script.DisplayName + ": "

	spec := RunSpec{
		ScriptPath:  it.script.Location,
		DisplayName: it.script.DisplayName,
		Env:         env.environ(),
		OnOutput: func(line string) {
			// the log prefix is stripped before command parsing
			line = strings.TrimPrefix(line, prefix)
			c.handleOutput(it, line, &markBad)
		},
	}

	if err := c.runner.Run(c.ctx, spec); err != nil {
		c.log.Warn("Queue-script failed", "script", it.script.Name, "nzb", env.NzbName, "err", err)
	}

	if markBad {
		c.dq.Update(func(q *queue.Queue) {
			nzb := q.Find(it.nzbID)
			if nzb == nil {
				return
			}
			c.log.Warn("Cancelling download and deleting", "nzb", nzb.Name)
			nzb.AddMessage(queue.MessageWarning, fmt.Sprintf("Cancelling download and deleting %s", nzb.Name))
			q.DeleteNzb(nzb, queue.DeleteBad)
		})
	}
}

// handleOutput parses one script output line. Lines starting with "[NZB] "
// are commands; anything else is relogged at its declared severity.
func (c *Coordinator) handleOutput(it *item, line string, markBad *bool) {
	const commandPrefix = "[NZB] "

	if !strings.HasPrefix(line, commandPrefix) {
		c.relog(it, line)
		return
	}

	command := line[len(commandPrefix):]
	switch {
	case strings.HasPrefix(command, "NZBPR_"):
		name, value, ok := strings.Cut(command[len("NZBPR_"):], "=")
		if !ok || name == "" {
			c.log.Error("Invalid command received from queue-script",
				"script", it.script.Name, "command", line)
			return
		}
		c.dq.Update(func(q *queue.Queue) {
			if nzb := q.FindAnywhere(it.nzbID); nzb != nil {
				nzb.Parameters.Set(name, value)
				q.MarkChanged()
			}
		})

	case command == "MARK=BAD":
		*markBad = true
		c.dq.Update(func(q *queue.Queue) {
			if nzb := q.FindAnywhere(it.nzbID); nzb != nil {
				c.log.Warn("Marking as bad", "nzb", nzb.Name)
				nzb.AddMessage(queue.MessageWarning, fmt.Sprintf("Marking %s as bad", nzb.Name))
				nzb.SetMarkStatus(queue.MarkBad)
				q.MarkChanged()
			}
		})

	default:
		// an invalid command is reported but does not abort the script
		c.log.Error("Invalid command received from queue-script",
			"script", it.script.Name, "command", line)
	}
}

// relog forwards ordinary script output honoring the severity prefix
// convention of the script protocol.
func (c *Coordinator) relog(it *item, line string) {
	logger := c.log.With("script", it.script.Name)
	switch {
	case strings.HasPrefix(line, "[ERROR] "):
		logger.Error(strings.TrimPrefix(line, "[ERROR] "))
	case strings.HasPrefix(line, "[WARNING] "):
		logger.Warn(strings.TrimPrefix(line, "[WARNING] "))
	case strings.HasPrefix(line, "[DETAIL] "):
		logger.Debug(strings.TrimPrefix(line, "[DETAIL] "))
	case strings.HasPrefix(line, "[INFO] "):
		logger.Info(strings.TrimPrefix(line, "[INFO] "))
	default:
		logger.Info(line)
	}
}

// ExecRunner runs scripts as child processes. Children are always reaped;
// the context kills them on engine shutdown.
type ExecRunner struct {
	ShellOverride string
}

func (r *ExecRunner) Run(ctx context.Context, spec RunSpec) error {
	var cmd *exec.Cmd
	if r.ShellOverride != "" {
		cmd = exec.CommandContext(ctx, r.ShellOverride, spec.ScriptPath)
	} else {
		cmd = exec.CommandContext(ctx, spec.ScriptPath)
	}
	cmd.Env = spec.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cannot open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start script %s: %w", spec.ScriptPath, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if spec.OnOutput != nil {
			spec.OnOutput(scanner.Text())
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("script %s: %w", spec.ScriptPath, err)
	}
	return nil
}
