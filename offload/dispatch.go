package offload

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// LaunchShape is the geometry of a kernel launch. Zero Teams or Threads means the backend default.
type LaunchShape struct {
	Teams     int32
	Threads   int32
	TripCount uint64
}

func (s LaunchShape) String() string {
	return fmt.Sprintf("{teams=%d, threads=%d, trip_count=%d}", s.Teams, s.Threads, s.TripCount)
}

// KernelArg is one argument of a kernel launch: a buffer and a displacement into it.
//
// Literal arguments are DeviceAddress values not tracked by the BufferTracker (e.g. base pointers of mapped
// struct members, or scalars passed by value): they are passed as is.
type KernelArg struct {
	Handle  TargetHandle
	Offset  int64
	Literal bool
}

// Address returns the device address of the argument, only valid for DeviceAddress handles.
func (a KernelArg) Address() (uintptr, bool) {
	return a.Handle.Address(a.Offset)
}

// LaunchState is the state of a LaunchConfig.
type LaunchState int

const (
	LaunchIdle LaunchState = iota
	LaunchArgsBound
	LaunchQueued
	LaunchRunning
	LaunchCompleted
)

func (s LaunchState) String() string {
	switch s {
	case LaunchIdle:
		return "Idle"
	case LaunchArgsBound:
		return "ArgsBound"
	case LaunchQueued:
		return "Queued"
	case LaunchRunning:
		return "Running"
	case LaunchCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("LaunchState(%d)", int(s))
	}
}

// LaunchConfig is created by Session.Launch and configures one kernel launch. Call Done to execute it.
//
// Errors during the configuration are reported by Done.
type LaunchConfig struct {
	session *Session
	entry   OffloadEntry
	args    []KernelArg
	shape   LaunchShape
	state   LaunchState
	status  error

	// err saves an error during the configuration.
	err error
}

// Launch starts the configuration of the launch of the entry with the given resolved address.
// Without WithShape it runs with 1 team of 1 thread.
func (s *Session) Launch(entryAddress uintptr) *LaunchConfig {
	c := &LaunchConfig{session: s, shape: LaunchShape{Teams: 1, Threads: 1}}
	if err := s.checkInitialized("run_target_region"); err != nil {
		c.err = err
		return c
	}
	entry, found := s.Table().Lookup(entryAddress)
	if !found {
		c.err = newError(PreconditionViolation, s.slot, "run_target_region",
			"address 0x%x is not an entry of the loaded image (%d entries)", entryAddress, s.Table().Len())
		return c
	}
	c.entry = entry
	return c
}

// WithArgs binds the arguments: one handle and one offset per argument. offsets can be nil (all 0).
func (c *LaunchConfig) WithArgs(handles []TargetHandle, offsets []int64) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if offsets != nil && len(offsets) != len(handles) {
		c.err = newError(PreconditionViolation, c.session.slot, "run_target_region",
			"%d arguments given with %d offsets", len(handles), len(offsets))
		return c
	}
	c.args = make([]KernelArg, len(handles))
	for ii, handle := range handles {
		arg := KernelArg{Handle: handle}
		if offsets != nil {
			arg.Offset = offsets[ii]
		}
		if !c.session.buffers.isTracked(handle) {
			if handle.Kind != DeviceAddress {
				c.err = newError(UnknownHandle, c.session.slot, "run_target_region",
					"argument #%d: handle %s is not a live buffer", ii, handle)
				return c
			}
			arg.Literal = true
		}
		c.args[ii] = arg
	}
	c.state = LaunchArgsBound
	return c
}

// WithShape sets the number of teams, threads per team and the loop trip count. 0 teams or threads let the
// backend choose.
func (c *LaunchConfig) WithShape(teams, threads int32, tripCount uint64) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if teams < 0 || threads < 0 {
		c.err = newError(PreconditionViolation, c.session.slot, "run_target_team_region",
			"invalid launch shape with %d teams and %d threads", teams, threads)
		return c
	}
	c.shape = LaunchShape{Teams: teams, Threads: threads, TripCount: tripCount}
	return c
}

// State returns the state of the launch.
func (c *LaunchConfig) State() LaunchState {
	return c.state
}

// Status returns the result of a completed launch.
func (c *LaunchConfig) Status() error {
	return c.status
}

func (c *LaunchConfig) setState(state LaunchState) {
	klog.V(2).Infof("device #%d: launch of %s: %s -> %s", c.session.slot, c.entry, c.state, state)
	c.state = state
}

// Done executes the launch and waits for its completion.
//
// Pending transfers on the arguments are awaited first, and only one kernel runs at a time per device.
func (c *LaunchConfig) Done(ctx context.Context) error {
	if c.err != nil {
		return c.err
	}
	if c.state == LaunchIdle {
		// No arguments.
		c.setState(LaunchArgsBound)
	}
	if c.state != LaunchArgsBound {
		return newError(PreconditionViolation, c.session.slot, "run_target_region", "launch already executed (state %s)", c.state)
	}
	s := c.session
	start := time.Now()
	for ii, arg := range c.args {
		if arg.Literal {
			continue
		}
		if err := s.buffers.Await(arg.Handle); err != nil {
			return wrapError(err, TransferFailure, s.slot, "run_target_region",
				"argument #%d (%s) has a failed transfer", ii, arg.Handle)
		}
	}

	c.setState(LaunchQueued)
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	c.setState(LaunchRunning)
	err := s.device.Launch(ctx, c.entry, c.args, c.shape)
	if err != nil {
		err = wrapError(err, LaunchFailure, s.slot, "run_target_region", "failed to launch %s with shape %s", c.entry, c.shape)
	}
	for _, arg := range c.args {
		if !arg.Literal {
			s.buffers.markBound(arg.Handle)
		}
	}
	c.status = err
	c.setState(LaunchCompleted)

	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "failed"
	}
	Launches.WithLabelValues(s.backend.Name(), status).Inc()
	LaunchDuration.WithLabelValues(s.backend.Name()).Observe(elapsed.Seconds())
	s.timings.Add(TimingExecution, elapsed, 0)
	return err
}
