// Package process is a wrapper of exec.Cmd for controlling a media
// transcode process. It could be used to run other executables but it is
// tailored to the specifics of ffmpeg, e.g. only stderr is captured, and
// some exit codes != 0 are still considered a non-error exit condition.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dejastream/core/log"
)

// Process represents a child process and ways to control it.
type Process interface {
	// Status returns the current status of this process.
	Status() Status

	// Start starts the process. If the process exits by itself it will
	// restart automatically if it is defined to do so.
	Start() error

	// Stop stops the process and will not let it restart automatically.
	// If wait is true, Stop blocks until the process has exited.
	Stop(wait bool) error

	// Kill stops the process such that it will restart automatically if
	// it is defined to do so.
	Kill(wait bool) error

	// IsRunning returns whether the process is currently running.
	IsRunning() bool
}

// Config is the configuration of a process.
type Config struct {
	Binary         string              // Path to the binary.
	Args           []string            // List of arguments for the binary.
	Reconnect      bool                // Whether to restart the process if it exited.
	ReconnectDelay time.Duration       // Duration to wait before restarting the process.
	KillTimeout    time.Duration       // Wait this long after the terminate signal before force-killing. Defaults to 2 seconds.
	OnLine         func(line string)   // A callback which is called for every line the process writes to stderr.
	OnStart        func()              // A callback which is called after the process started.
	OnExit         func(state string)  // A callback which is called after the process exited with the exit state.
	OnStateChange  func(from, to string) // A callback which is called after a state changed.
	Logger         log.Logger
}

// Status represents the current status of a process.
type Status struct {
	PID         int32         // Last known process ID, -1 if not running.
	State       string        // Current state of the process, see stateType.
	Order       string        // The wanted condition of the process, either "start" or "stop".
	Duration    time.Duration // Time since the last change of the state.
	Time        time.Time     // Time of the last change of the state.
	CommandArgs []string      // Command arguments of the process.
}

// States
//
// finished - the process exited normally or has never been started
// starting - the process is about to start
// running  - the process is running
// finishing - the process has been actively stopped and will be killed
// failed   - the process failed to start or exited abnormally
// killed   - the process has been killed with SIGKILL
type stateType string

const (
	stateFinished  stateType = "finished"
	stateStarting  stateType = "starting"
	stateRunning   stateType = "running"
	stateFinishing stateType = "finishing"
	stateFailed    stateType = "failed"
	stateKilled    stateType = "killed"
)

func (s stateType) String() string {
	return string(s)
}

// IsRunning returns whether the state represents a running process.
func (s stateType) IsRunning() bool {
	return s == stateStarting || s == stateRunning || s == stateFinishing
}

type process struct {
	binary string
	args   []string
	cmd    *exec.Cmd
	pid    atomic.Int32
	state  struct {
		state stateType
		time  time.Time
		lock  sync.RWMutex
	}
	order struct {
		order string
		lock  sync.Mutex
	}
	reconn struct {
		enable bool
		delay  time.Duration
		timer  *time.Timer
		lock   sync.Mutex
	}
	killTimeout   time.Duration
	killTimer     *time.Timer
	killTimerLock sync.Mutex
	callbacks     struct {
		onLine        func(line string)
		onStart       func()
		onExit        func(state string)
		onStateChange func(from, to string)
		lock          sync.Mutex
	}
	logger log.Logger
}

var _ Process = &process{}

// New creates a new process wrapper. The process is not started.
func New(config Config) (Process, error) {
	if len(config.Binary) == 0 {
		return nil, fmt.Errorf("no valid binary given")
	}

	p := &process{
		binary:      config.Binary,
		killTimeout: config.KillTimeout,
		logger:      config.Logger,
	}

	p.pid.Store(-1)

	p.args = make([]string, len(config.Args))
	copy(p.args, config.Args)

	if p.killTimeout <= 0 {
		p.killTimeout = 2 * time.Second
	}

	if p.logger == nil {
		p.logger = log.New("Process")
	}

	p.setOrder("stop")
	p.initState(stateFinished)

	p.reconn.enable = config.Reconnect
	p.reconn.delay = config.ReconnectDelay

	p.callbacks.onLine = config.OnLine
	p.callbacks.onStart = config.OnStart
	p.callbacks.onExit = config.OnExit
	p.callbacks.onStateChange = config.OnStateChange

	return p, nil
}

func (p *process) initState(state stateType) {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()

	p.state.state = state
	p.state.time = time.Now()
}

// setState sets a new state. It checks if the transition from the current
// state is allowed. If not, the state is left unchanged. It returns the
// previous state or an error.
func (p *process) setState(state stateType) (stateType, error) {
	p.state.lock.Lock()

	prevState := p.state.state

	if prevState == state {
		p.state.lock.Unlock()
		return prevState, nil
	}

	allowed := false

	switch prevState {
	case stateFinished:
		allowed = state == stateStarting
	case stateStarting:
		allowed = state == stateFinishing || state == stateRunning || state == stateFailed
	case stateRunning:
		allowed = state == stateFinished || state == stateFinishing || state == stateFailed || state == stateKilled
	case stateFinishing:
		allowed = state == stateFinished || state == stateFailed || state == stateKilled
	case stateFailed, stateKilled:
		allowed = state == stateStarting
	}

	if !allowed {
		p.state.lock.Unlock()
		return "", fmt.Errorf("can't change from state %s to %s", prevState, state)
	}

	p.state.state = state
	p.state.time = time.Now()

	p.state.lock.Unlock()

	p.callbacks.lock.Lock()
	if p.callbacks.onStateChange != nil {
		p.callbacks.onStateChange(prevState.String(), state.String())
	}
	p.callbacks.lock.Unlock()

	return prevState, nil
}

func (p *process) getState() stateType {
	p.state.lock.RLock()
	defer p.state.lock.RUnlock()

	return p.state.state
}

func (p *process) getOrder() string {
	p.order.lock.Lock()
	defer p.order.lock.Unlock()

	return p.order.order
}

// setOrder sets the order to the given value. It returns true if the order
// already had that value.
func (p *process) setOrder(order string) bool {
	p.order.lock.Lock()
	defer p.order.lock.Unlock()

	if p.order.order == order {
		return true
	}

	p.order.order = order

	return false
}

func (p *process) isRunning() bool {
	p.state.lock.RLock()
	defer p.state.lock.RUnlock()

	return p.state.state.IsRunning()
}

// Status returns the current status of the process.
func (p *process) Status() Status {
	p.state.lock.RLock()
	state := p.state.state
	stateTime := p.state.time
	p.state.lock.RUnlock()

	s := Status{
		PID:      p.pid.Load(),
		State:    state.String(),
		Order:    p.getOrder(),
		Duration: time.Since(stateTime),
		Time:     stateTime,
	}

	s.CommandArgs = make([]string, len(p.args))
	copy(s.CommandArgs, p.args)

	return s
}

// IsRunning returns whether the process is considered running.
func (p *process) IsRunning() bool {
	return p.isRunning()
}

// Start will start the process and sets the order to "start". If the
// process already has the "start" order, nothing will be done.
func (p *process) Start() error {
	if p.setOrder("start") {
		return nil
	}

	return p.start()
}

// start will start the process considering the current order.
func (p *process) start() error {
	if p.isRunning() {
		return nil
	}

	p.logger.Info().Log("Starting")

	// Stop any restart timer in order to start the process immediately.
	p.unreconnect()

	p.setState(stateStarting)

	p.cmd = exec.Command(p.binary, p.args...)
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	p.cmd.Env = []string{}

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.setState(stateFailed)
		p.logger.WithError(err).Error().Log("Command failed")
		p.reconnect()

		return err
	}

	if err := p.cmd.Start(); err != nil {
		p.setState(stateFailed)
		p.logger.WithError(err).Error().Log("Command failed")
		p.reconnect()

		p.callbacks.lock.Lock()
		if p.callbacks.onExit != nil {
			p.callbacks.onExit(stateFailed.String())
		}
		p.callbacks.lock.Unlock()

		return err
	}

	p.pid.Store(int32(p.cmd.Process.Pid))

	p.setState(stateRunning)

	p.logger.Info().Log("Started")

	p.callbacks.lock.Lock()
	if p.callbacks.onStart != nil {
		p.callbacks.onStart()
	}
	p.callbacks.lock.Unlock()

	go p.reader(stderr)

	return nil
}

// Stop will stop the process and set the order to "stop".
func (p *process) Stop(wait bool) error {
	if p.setOrder("stop") {
		return nil
	}

	return p.stop(wait)
}

// Kill will stop the process without changing the order such that it will
// restart automatically if enabled.
func (p *process) Kill(wait bool) error {
	if !p.isRunning() {
		return nil
	}

	return p.stop(wait)
}

// stop stops the process considering the current order and state. The
// process first receives the terminate signal. If it hasn't exited after
// the kill timeout, it is force-killed.
func (p *process) stop(wait bool) error {
	p.unreconnect()

	if !p.isRunning() {
		return nil
	}

	// If the process is starting, wait until it finished starting.
	for p.getState() == stateStarting {
		time.Sleep(10 * time.Millisecond)
	}

	// If the process is already finishing, don't do anything.
	if state, _ := p.setState(stateFinishing); state == stateFinishing {
		return nil
	}

	p.logger.Info().Log("Stopping")

	wg := sync.WaitGroup{}

	if wait {
		wg.Add(1)

		p.callbacks.lock.Lock()
		cb := p.callbacks.onExit
		p.callbacks.onExit = func(state string) {
			if cb != nil {
				cb(state)
			}
			wg.Done()

			p.callbacks.lock.Lock()
			p.callbacks.onExit = cb
			p.callbacks.lock.Unlock()
		}
		p.callbacks.lock.Unlock()
	}

	if runtime.GOOS == "windows" {
		// Windows doesn't know SIGTERM.
		p.cmd.Process.Kill()
	} else {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}

	// Set up a timer to kill the process with SIGKILL in case the
	// terminate signal didn't have an effect.
	p.killTimerLock.Lock()
	p.killTimer = time.AfterFunc(p.killTimeout, func() {
		p.cmd.Process.Kill()
	})
	p.killTimerLock.Unlock()

	if wait {
		wg.Wait()
	}

	return nil
}

// reconnect sets up a timer to restart the process.
func (p *process) reconnect() {
	if !p.reconn.enable {
		return
	}

	if p.getOrder() != "start" {
		return
	}

	p.reconn.lock.Lock()
	defer p.reconn.lock.Unlock()

	if p.reconn.timer != nil {
		p.reconn.timer.Stop()
	}

	p.logger.Info().Log("Scheduling restart in %s", p.reconn.delay)

	p.reconn.timer = time.AfterFunc(p.reconn.delay, func() {
		p.start()
	})
}

// unreconnect stops the restart timer.
func (p *process) unreconnect() {
	p.reconn.lock.Lock()
	defer p.reconn.lock.Unlock()

	if p.reconn.timer == nil {
		return
	}

	p.reconn.timer.Stop()
	p.reconn.timer = nil
}

// reader reads the output of the process line by line and hands each line
// to the callback. When the output ends, it waits for the process to
// finish.
func (p *process) reader(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)

	p.callbacks.lock.Lock()
	onLine := p.callbacks.onLine
	p.callbacks.lock.Unlock()

	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}

	p.waiter()
}

// waiter waits for the process to finish and derives the final state from
// the exit condition. If enabled, the process will be scheduled for a
// restart.
func (p *process) waiter() {
	// The process exited normally, i.e. the return code is zero and no
	// signal has been raised.
	state := stateFinished

	if err := p.cmd.Wait(); err != nil {
		if exiterr, ok := err.(*exec.ExitError); ok {
			status := exiterr.Sys().(syscall.WaitStatus)

			if status.Exited() {
				if status.ExitStatus() == 255 {
					// ffmpeg that has been terminated with SIGTERM or
					// "q" exits with 255 after closing all streams
					// properly.
					p.logger.Info().Log("Finished")
					state = stateFinished
				} else {
					// The process exited by itself with a non-zero
					// return code.
					p.logger.Info().Log("Failed")
					state = stateFailed
				}
			} else {
				// The process has been killed or dumped core.
				p.logger.Info().Log("Killed")
				state = stateKilled
			}
		} else {
			// Some other error regarding I/O triggered during Wait().
			p.logger.WithError(err).Info().Log("Killed")
			state = stateKilled
		}
	}

	p.setState(state)
	p.pid.Store(-1)

	p.logger.Info().Log("Stopped")

	// Stop the kill timer.
	p.killTimerLock.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
		p.killTimer = nil
	}
	p.killTimerLock.Unlock()

	// Restart the process if wanted.
	p.reconnect()

	p.callbacks.lock.Lock()
	onExit := p.callbacks.onExit
	p.callbacks.lock.Unlock()

	if onExit != nil {
		onExit(state.String())
	}
}
