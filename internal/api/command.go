package api

import "github.com/remoralabs/remora/internal/retcode"

// CommandKind identifies an out-of-band control operation.
type CommandKind uint8

const (
	CmdCheckpointTick CommandKind = iota
	CmdMigrationRemoteMalloc
	CmdMigrationPrecopy
	CmdMigrationDeltacopy
	CmdMigrationTear
	CmdMigrationRestore
	CmdMigrationAllCopy
	CmdMigrationAllReload
	CmdRestoreSignal
	CmdInvalidateCkpt
)

func (k CommandKind) String() string {
	switch k {
	case CmdCheckpointTick:
		return "checkpoint_tick"
	case CmdMigrationRemoteMalloc:
		return "migration_remote_malloc"
	case CmdMigrationPrecopy:
		return "migration_precopy"
	case CmdMigrationDeltacopy:
		return "migration_deltacopy"
	case CmdMigrationTear:
		return "migration_tear"
	case CmdMigrationRestore:
		return "migration_restore"
	case CmdMigrationAllCopy:
		return "migration_allcopy"
	case CmdMigrationAllReload:
		return "migration_allreload"
	case CmdRestoreSignal:
		return "restore_signal"
	case CmdInvalidateCkpt:
		return "invalidate_ckpt"
	default:
		return "unknown"
	}
}

// Command is the control-plane work element. It takes the command-queue path
// through the same parser and worker threads as the data plane, which totally
// orders it against API-context QEs.
type Command struct {
	Kind CommandKind

	// TargetEndpoint is the migration peer address for migration commands.
	TargetEndpoint string
	// ImagePath is the checkpoint image location for restore / checkpoint
	// commands.
	ImagePath string
	// PhaseMask selects migration phases for a combined signal.
	PhaseMask uint32
	// DoModule extends tear/restore to module resources.
	DoModule bool
	// Tick carries the checkpoint version for CmdCheckpointTick.
	Tick uint64

	Result retcode.Code
	done   chan struct{}
}

// NewCommand creates a command with a completion signal.
func NewCommand(kind CommandKind) *Command {
	return &Command{Kind: kind, done: make(chan struct{})}
}

// Complete records the result and releases any waiter.
func (c *Command) Complete(code retcode.Code) {
	c.Result = code
	if c.done != nil {
		close(c.done)
	}
}

// Wait blocks until the pipeline completed the command.
func (c *Command) Wait() retcode.Code {
	if c.done != nil {
		<-c.done
	}
	return c.Result
}

// Migration phase mask bits, matching the CLI migration signal payload.
const (
	PhaseRemoteMalloc uint32 = 1 << iota
	PhasePrecopy
	PhaseDeltacopy
	PhaseTear
	PhaseRestore
	PhaseAllCopy
	PhaseAllReload
)
