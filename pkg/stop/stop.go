// Package stop implements a pattern for shutting down a group of processes.
package stop

import "sync"

// Result is the channel a Stopper reports the outcome of a shutdown on.
// The channel yields at most one error and is closed afterwards; a close
// without a value signals a clean shutdown.
type Result <-chan error

// AlreadyStopped is a closed Result to be returned by Stoppers that were
// stopped before.
var AlreadyStopped Result

// AlreadyStoppedFunc is a Func that returns AlreadyStopped.
var AlreadyStoppedFunc = func() Result { return AlreadyStopped }

func init() {
	closeMe := make(chan error)
	close(closeMe)
	AlreadyStopped = closeMe
}

// Channel is the writable counterpart of a Result.
type Channel chan error

// Done reports the outcome of a shutdown and closes the channel.
// Passing a nil error signals a clean shutdown.
func (ch Channel) Done(err error) {
	if err != nil {
		ch <- err
	}
	close(ch)
}

// Result returns the channel as a read-only Result.
func (ch Channel) Result() Result {
	return Result(chan error(ch))
}

// Stopper is an interface that allows a clean shutdown.
type Stopper interface {
	// Stop returns a Result that indicates whether the stop was successful.
	//
	// Stop should return immediately and perform the actual shutdown in a
	// separate goroutine.
	Stop() Result
}

// Func is a function that can be used to provide a clean shutdown.
type Func func() Result

// Group is a collection of Stoppers that can be stopped all at once.
type Group struct {
	stoppables []Func
	sync.Mutex
}

// NewGroup allocates a new Group.
func NewGroup() *Group {
	return &Group{
		stoppables: make([]Func, 0),
	}
}

// Add appends a Stopper to the Group.
func (cg *Group) Add(toAdd Stopper) {
	cg.Lock()
	defer cg.Unlock()

	cg.stoppables = append(cg.stoppables, toAdd.Stop)
}

// AddFunc appends a Func to the Group.
func (cg *Group) AddFunc(toAddFunc Func) {
	cg.Lock()
	defer cg.Unlock()

	cg.stoppables = append(cg.stoppables, toAddFunc)
}

// Stop stops all members of the Group concurrently and collects their
// outcomes into a single Result. The first error observed wins.
func (cg *Group) Stop() Result {
	cg.Lock()
	defer cg.Unlock()

	c := make(Channel)

	waitChannels := make([]Result, 0, len(cg.stoppables))
	for _, toStop := range cg.stoppables {
		waitFor := toStop()
		if waitFor == nil {
			panic("received a nil Result from Stop")
		}
		waitChannels = append(waitChannels, waitFor)
	}

	go func() {
		var firstErr error
		for _, waitForMe := range waitChannels {
			for err := range waitForMe {
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		c.Done(firstErr)
	}()

	return c.Result()
}
