package par

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
)

// ExternalChecker drives a par2cmdline-compatible binary. Verification and
// repair run as child processes; recovery-block demand reported by the
// verifier is passed to RequestMorePars, which unpauses more volumes. When
// that call returns ok the repair starts at once; it does not wait for the
// unpaused volumes to finish downloading.
type ExternalChecker struct {
	// Par2Path is the repair binary, "par2" by default.
	Par2Path string

	log *slog.Logger

	mu          sync.Mutex
	extraPars   []string
	activeNzbID int
}

// NewExternalChecker creates a checker using the given par2 binary.
func NewExternalChecker(par2Path string) *ExternalChecker {
	if par2Path == "" {
		par2Path = "par2"
	}
	return &ExternalChecker{
		Par2Path: par2Path,
		log:      slog.Default().With("component", "par-checker"),
	}
}

// AddParFile registers a freshly downloaded volume; it is passed to the
// repair invocation.
func (c *ExternalChecker) AddParFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraPars = append(c.extraPars, path)
}

var needBlocksPattern = regexp.MustCompile(`(?i)need (\d+) more recovery block`)

// Check verifies the collection and repairs it when recovery blocks cover
// the damage.
func (c *ExternalChecker) Check(ctx context.Context, destDir, nzbName, parFilename string, cb Callbacks) CheckStatus {
	c.mu.Lock()
	c.extraPars = nil
	c.mu.Unlock()

	cb.UpdateProgress(StageLoadingPars, "Loading par2 files", 0, 0)
	if cb.Cancelled() {
		return CheckFailed
	}

	cb.UpdateProgress(StageVerifyingSources, "Verifying "+nzbName, 0, 0)

	blocksNeeded, verifyOK, err := c.verify(ctx, destDir, parFilename)
	if err != nil {
		c.log.Warn("Par-verify failed", "nzb", nzbName, "err", err)
		return CheckFailed
	}
	if verifyOK {
		return CheckRepairNotNeeded
	}
	if cb.Cancelled() {
		return CheckFailed
	}

	if blocksNeeded > 0 {
		ok, found := cb.RequestMorePars(blocksNeeded)
		c.log.Info("Recovery blocks requested",
			"nzb", nzbName, "needed", blocksNeeded, "found", found, "ok", ok)
		if !ok {
			return CheckRepairPossible
		}
	}

	cb.UpdateProgress(StageRepairing, "Repairing "+nzbName, 0, 0)
	if cb.Cancelled() {
		return CheckFailed
	}

	if err := c.repair(ctx, destDir, parFilename, cb); err != nil {
		c.log.Warn("Par-repair failed", "nzb", nzbName, "err", err)
		return CheckFailed
	}

	cb.UpdateProgress(StageVerifyingRepaired, "Verifying repaired "+nzbName, 0, 1000)
	return CheckRepaired
}

// verify runs "par2 v" and extracts the recovery block demand from its
// output. Exit 0 means nothing to repair.
func (c *ExternalChecker) verify(ctx context.Context, destDir, parFilename string) (blocksNeeded int, ok bool, err error) {
	cmd := exec.CommandContext(ctx, c.Par2Path, "v", "-q", parFilename)
	cmd.Dir = destDir

	out, err := cmd.StdoutPipe()
	if err != nil {
		return 0, false, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return 0, false, err
	}

	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if m := needBlocksPattern.FindStringSubmatch(scanner.Text()); m != nil {
			blocksNeeded, _ = strconv.Atoi(m[1])
		}
	}

	if werr := cmd.Wait(); werr != nil {
		if _, isExit := werr.(*exec.ExitError); isExit {
			// repair needed or not possible; the block demand tells which
			return blocksNeeded, false, nil
		}
		return 0, false, werr
	}

	return 0, true, nil
}

func (c *ExternalChecker) repair(ctx context.Context, destDir, parFilename string, cb Callbacks) error {
	args := []string{"r", "-q", parFilename}
	c.mu.Lock()
	args = append(args, c.extraPars...)
	c.mu.Unlock()

	cmd := exec.CommandContext(ctx, c.Par2Path, args...)
	cmd.Dir = destDir

	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	// repair progress arrives as percentage lines; republish per-mille
	progressPattern := regexp.MustCompile(`(\d+)(?:\.(\d))?%`)
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if m := progressPattern.FindStringSubmatch(scanner.Text()); m != nil {
			percent, _ := strconv.Atoi(m[1])
			tenth := 0
			if m[2] != "" {
				tenth, _ = strconv.Atoi(m[2])
			}
			cb.UpdateProgress(StageRepairing, "Repairing", percent*10+tenth, percent*10+tenth)
		}
		if cb.Cancelled() {
			_ = cmd.Process.Kill()
			break
		}
	}

	return cmd.Wait()
}
