// Package role implements the role controller: the top-level state machine
// governing a replicated object's lifecycle, Created -> Opened ->
// {Primary, Secondary} with transitions to Closing/Closed/Faulted.
package role

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brokercore/replicator/replication"
)

// State is one of the RoleController's states.
type State int

const (
	Created State = iota
	Opened
	Primary
	CheckingDataLoss
	Secondary
	Closing
	Closed
	Faulted
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Opened:
		return "Opened"
	case Primary:
		return "Primary"
	case CheckingDataLoss:
		return "CheckingDataLoss"
	case Secondary:
		return "Secondary"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// CloseFunc closes out a role's resources without destroying the
// RoleController itself, used on a Primary<->Secondary transition.
type CloseFunc func()

// Controller is a RoleController. It only tracks the state machine;
// the caller supplies CloseFunc hooks for whichever role is being vacated.
type Controller struct {
	mu             sync.Mutex
	state          State
	closePrimary   CloseFunc
	closeSecondary CloseFunc
	faultErr       error
}

// New constructs a Controller in the Created state.
func New() *Controller {
	return &Controller{state: Created}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open transitions Created -> Opened. Any other starting state is an error.
func (c *Controller) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Faulted {
		return c.faultErr
	}
	if c.state != Created {
		return errors.WithMessagef(replication.ErrInvalidState, "Open from %s", c.state)
	}
	c.state = Opened
	return nil
}

// ChangeRole transitions to Primary or Secondary from Opened, or between
// Primary and Secondary directly (closing the vacated role first via its
// registered CloseFunc, without destroying the Controller). onEnter runs
// after the state is set to the new role, still under the role lock, to set
// up the new role's CloseFunc before concurrent per-role operations begin.
func (c *Controller) ChangeRole(target State, onEnter func() CloseFunc) error {
	if target != Primary && target != Secondary {
		return errors.WithMessage(replication.ErrInvalidState, "ChangeRole target must be Primary or Secondary")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Faulted:
		return c.faultErr
	case Opened:
		// fallthrough to generic transition below
	case Primary:
		if target == Primary {
			return errors.WithMessage(replication.ErrInvalidState, "already Primary")
		}
		if c.closePrimary != nil {
			c.closePrimary()
			c.closePrimary = nil
		}
	case Secondary:
		if target == Secondary {
			return errors.WithMessage(replication.ErrInvalidState, "already Secondary")
		}
		if c.closeSecondary != nil {
			c.closeSecondary()
			c.closeSecondary = nil
		}
	default:
		return errors.WithMessagef(replication.ErrInvalidState, "ChangeRole from %s", c.state)
	}

	c.state = target
	var closer = onEnter()
	if target == Primary {
		c.closePrimary = closer
	} else {
		c.closeSecondary = closer
	}
	return nil
}

// BeginDataLossCheck transitions Primary -> CheckingDataLoss. OnDataLoss
// handling runs outside the role lock; the caller invokes EndDataLossCheck
// when the state-provider's OnDataLoss call returns.
func (c *Controller) BeginDataLossCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Faulted {
		return c.faultErr
	}
	if c.state != Primary {
		return errors.WithMessagef(replication.ErrInvalidState, "OnDataLoss from %s", c.state)
	}
	c.state = CheckingDataLoss
	return nil
}

// EndDataLossCheck transitions CheckingDataLoss -> Primary.
func (c *Controller) EndDataLossCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Faulted {
		return c.faultErr
	}
	if c.state != CheckingDataLoss {
		return errors.WithMessagef(replication.ErrInvalidState, "EndDataLossCheck from %s", c.state)
	}
	c.state = Primary
	return nil
}

// Close transitions any state to Closing then Closed, invoking whichever
// role CloseFunc is registered. Close is idempotent: calling it from Closed
// is a no-op success; close is never blocked by a prior fault.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closing

	var closePrimary, closeSecondary = c.closePrimary, c.closeSecondary
	c.closePrimary, c.closeSecondary = nil, nil
	c.mu.Unlock()

	if closePrimary != nil {
		closePrimary()
	}
	if closeSecondary != nil {
		closeSecondary()
	}

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
}

// Fault transitions any non-terminal state to Faulted, recording err. Faulted
// forbids all operations except Close.
func (c *Controller) Fault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.state == Faulted {
		return
	}
	c.state = Faulted
	c.faultErr = errors.WithMessage(replication.ErrOperationFailed, err.Error())
}

// CheckOperable returns the fault error if Faulted, ErrObjectClosed if
// Closing/Closed, or nil otherwise. Per-role handlers call this before
// acting on a message.
func (c *Controller) CheckOperable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Faulted:
		return c.faultErr
	case Closing, Closed:
		return replication.ErrObjectClosed
	default:
		return nil
	}
}
