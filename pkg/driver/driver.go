// Package driver sequences a gNMI integration run: topology, target,
// config rewrite, verification and teardown.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/restuhaqza/gnmilab/pkg/apconfig"
	"github.com/restuhaqza/gnmilab/pkg/config"
	"github.com/restuhaqza/gnmilab/pkg/lifecycle"
	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/restuhaqza/gnmilab/pkg/runtime"
	"github.com/restuhaqza/gnmilab/pkg/topology"
	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/restuhaqza/gnmilab/pkg/verify"
	"github.com/rs/zerolog/log"
)

// State is a stage of a run.
type State string

// Run states. A run ends in StateTornDown or StateFailed.
const (
	StateInit           State = "INIT"
	StateTopologyReady  State = "TOPOLOGY_READY"
	StateTargetStarted  State = "TARGET_STARTED"
	StateConfigPrepared State = "CONFIG_PREPARED"
	StateVerified       State = "VERIFIED"
	StateInteractive    State = "INTERACTIVE"
	StateTornDown       State = "TORN_DOWN"
	StateFailed         State = "FAILED"
)

// ErrVerificationFailed matches every *VerificationFailedError.
var ErrVerificationFailed = errors.New("verification failed")

// VerificationFailedError carries the nonzero exit code of the
// verification command.
type VerificationFailedError struct {
	Code int
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("verification failed: exit code %d", e.Code)
}

// Is reports whether target is ErrVerificationFailed.
func (e *VerificationFailedError) Is(target error) bool {
	return target == ErrVerificationFailed
}

// ProcessManager starts and kills the target.
type ProcessManager interface {
	Start(ctx context.Context, host types.Host, commandLine string) (*lifecycle.Process, error)
	WaitReady(ctx context.Context, waiter types.ReadinessWaiter, from types.Host) error
	Stop() error
}

// Verifier runs the verification command.
type Verifier interface {
	Run(ctx context.Context, host types.Host, cmd verify.Command) (int, error)
	RunRaw(ctx context.Context, host types.Host, commandLine string) (int, error)
}

// StateRecorder persists what a run leaves on the host.
type StateRecorder interface {
	Add(state *runtime.RunState) error
	Update(id string, fn func(*runtime.RunState)) error
	Remove(id string) error
}

// Deps are the collaborators of a driver.
type Deps struct {
	Network   types.Network
	Processes ProcessManager
	Waiter    types.ReadinessWaiter
	Verifier  Verifier
	Shell     types.Shell

	// Hostname defaults to apconfig.LocalHostname.
	Hostname func() (string, error)
	// Rewrite defaults to apconfig.Rewrite.
	Rewrite func(src, hostname string) (*apconfig.TempFile, error)
	// State is optional.
	State StateRecorder
}

// Result is the outcome of a run.
type Result struct {
	State      State
	ExitCode   int
	ConfigPath string
}

// Driver runs one integration test. It is single use.
type Driver struct {
	cfg  *config.Config
	deps Deps

	state    State
	cleanups cleanupStack
	runID    string
	recorded bool
	mu       sync.Mutex
}

// New creates a driver with injected dependencies.
func New(cfg *config.Config, deps Deps) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if !cfg.Target.External {
		if deps.Network == nil {
			return nil, fmt.Errorf("network backend is required")
		}
		if deps.Processes == nil {
			return nil, fmt.Errorf("process manager is required")
		}
		if deps.Waiter == nil {
			return nil, fmt.Errorf("readiness waiter is required")
		}
	}
	if cfg.Emulator && deps.Shell == nil {
		return nil, fmt.Errorf("shell is required in emulator mode")
	}
	if !cfg.Emulator && deps.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if deps.Hostname == nil {
		deps.Hostname = apconfig.LocalHostname
	}
	if deps.Rewrite == nil {
		deps.Rewrite = apconfig.Rewrite
	}

	return &Driver{
		cfg:   cfg,
		deps:  deps,
		state: StateInit,
	}, nil
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()

	log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("State changed")
}

// Run executes the whole sequence. Teardown always runs once before Run
// returns, also when a collaborator panics; its errors are logged and never
// replace the run error. A nonzero verification exit code is returned as
// *VerificationFailedError together with a result carrying the code.
func (d *Driver) Run(ctx context.Context) (_ *Result, err error) {
	if d.State() != StateInit {
		return nil, fmt.Errorf("driver already ran")
	}

	d.runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	result := &Result{}

	log.Info().
		Str("run_id", d.runID).
		Bool("external", d.cfg.Target.External).
		Bool("emulator", d.cfg.Emulator).
		Msg("Starting run")

	defer d.finish(result, &err)
	err = d.run(ctx, result)
	return result, err
}

// finish records the outcome, tears down and re-raises a panic from run.
func (d *Driver) finish(result *Result, err *error) {
	r := recover()

	switch {
	case r != nil:
		d.setState(StateFailed)
		log.Error().Interface("panic", r).Str("run_id", d.runID).Msg("Run panicked")
	case *err != nil:
		d.setState(StateFailed)
		log.Error().Err(*err).Str("run_id", d.runID).Msg("Run failed")
	}

	d.teardown()

	if r == nil && *err == nil {
		d.setState(StateTornDown)
	}
	result.State = d.State()

	if r != nil {
		panic(r)
	}
}

func (d *Driver) run(ctx context.Context, result *Result) error {
	d.recordStart()

	var (
		controller types.Host
		hosts      map[string]types.Host
	)

	if d.cfg.Target.External {
		controller = network.NewLocalHost(config.ExternalControllerNamespace)
		log.Info().Str("controller", controller.Name()).Msg("Using external target")
	} else {
		topo, err := d.buildTopology(ctx)
		if err != nil {
			return err
		}
		controller = topo.Controller
		hosts = topo.Hosts()

		if err := d.startTarget(ctx, topo.Target, controller); err != nil {
			return err
		}
	}

	if d.cfg.Emulator {
		d.setState(StateInteractive)
		if err := d.deps.Shell.Run(ctx, hosts); err != nil {
			return fmt.Errorf("shell failed: %w", err)
		}
		return nil
	}

	cmdline, cmd, err := d.prepareConfig(result)
	if err != nil {
		return err
	}

	var code int
	if cmdline != "" {
		code, err = d.deps.Verifier.RunRaw(ctx, controller, cmdline)
	} else {
		code, err = d.deps.Verifier.Run(ctx, controller, cmd)
	}
	if err != nil {
		return fmt.Errorf("failed to run verification: %w", err)
	}
	result.ExitCode = code
	if code != 0 {
		return &VerificationFailedError{Code: code}
	}

	d.setState(StateVerified)
	log.Info().Str("run_id", d.runID).Msg("Verification passed")
	return nil
}

func (d *Driver) buildTopology(ctx context.Context) (*topology.Topology, error) {
	subnet, err := d.cfg.Topology.ParsedSubnet()
	if err != nil {
		return nil, err
	}

	builder := topology.NewBuilder(d.deps.Network)
	// Registered before Build so that partial builds are torn down.
	d.cleanups.push("topology", func() error {
		return builder.Stop(context.Background())
	})

	topo, err := builder.Build(ctx, subnet)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	d.recordNamespaces()
	d.setState(StateTopologyReady)
	return topo, nil
}

func (d *Driver) startTarget(ctx context.Context, target, controller types.Host) error {
	proc, err := d.deps.Processes.Start(ctx, target, d.cfg.Target.Command)
	if err != nil {
		return fmt.Errorf("failed to start target: %w", err)
	}
	d.cleanups.push("target", d.deps.Processes.Stop)
	if proc != nil {
		d.recordUpdate(func(s *runtime.RunState) { s.TargetPID = proc.PID })
	}
	d.setState(StateTargetStarted)

	// The operator gets the shell even when the target never comes up.
	if d.cfg.Emulator {
		return nil
	}
	if err := d.deps.Processes.WaitReady(ctx, d.deps.Waiter, controller); err != nil {
		return fmt.Errorf("failed waiting for target: %w", err)
	}
	return nil
}

// prepareConfig returns either a raw command line or an assembled command.
// In external target mode the config path is used verbatim.
func (d *Driver) prepareConfig(result *Result) (string, verify.Command, error) {
	v := d.cfg.Verify
	if v.Raw != "" {
		d.setState(StateConfigPrepared)
		return v.Raw, verify.Command{}, nil
	}

	path := v.JSONConf
	if !d.cfg.Target.External {
		hostname, err := d.deps.Hostname()
		if err != nil {
			return "", verify.Command{}, err
		}
		tmp, err := d.deps.Rewrite(v.JSONConf, hostname)
		if err != nil {
			return "", verify.Command{}, fmt.Errorf("failed to prepare config: %w", err)
		}
		d.cleanups.push("config", tmp.Release)
		d.recordUpdate(func(s *runtime.RunState) { s.ConfigPath = tmp.Path })
		path = tmp.Path
	}
	result.ConfigPath = path
	d.setState(StateConfigPrepared)

	return "", verify.Command{
		Binary:     v.GNMISet,
		CA:         v.CA,
		Cert:       v.Cert,
		Key:        v.Key,
		TargetName: v.TargetName,
		TargetAddr: v.TargetAddr,
		ConfigPath: path,
	}, nil
}

func (d *Driver) teardown() {
	if d.cleanups.len() == 0 {
		d.recordDone()
		return
	}

	log.Info().Str("run_id", d.runID).Msg("Tearing down")
	if failed := d.cleanups.run(); failed > 0 {
		// Leave the record so that cleanup can find what is left.
		log.Warn().Int("failed", failed).Str("run_id", d.runID).Msg("Teardown incomplete")
		d.recordUpdate(func(s *runtime.RunState) { s.Status = "dirty" })
		return
	}
	d.recordDone()
}

func (d *Driver) recordStart() {
	if d.deps.State == nil {
		return
	}
	mode := "test"
	if d.cfg.Emulator {
		mode = "emulator"
	}
	if err := d.deps.State.Add(&runtime.RunState{ID: d.runID, Mode: mode}); err != nil {
		log.Warn().Err(err).Msg("Failed to record run")
		return
	}
	d.recorded = true
}

func (d *Driver) recordNamespaces() {
	n, ok := d.deps.Network.(interface{ Namespaces() []string })
	if !ok {
		return
	}
	d.recordUpdate(func(s *runtime.RunState) { s.Namespaces = n.Namespaces() })
}

func (d *Driver) recordUpdate(fn func(*runtime.RunState)) {
	if !d.recorded {
		return
	}
	if err := d.deps.State.Update(d.runID, fn); err != nil {
		log.Warn().Err(err).Msg("Failed to update run record")
	}
}

func (d *Driver) recordDone() {
	if !d.recorded {
		return
	}
	d.recorded = false
	if err := d.deps.State.Remove(d.runID); err != nil {
		log.Warn().Err(err).Msg("Failed to remove run record")
	}
}
