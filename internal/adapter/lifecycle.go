package adapter

import "sync/atomic"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Lifecycle 适配器实例的状态机
// Stopped -> Starting -> Running -> Stopping -> Stopped，
// 启动失败回到Stopped。
type Lifecycle struct {
	v atomic.Int32
}

// BeginStart claims the Stopped->Starting transition.
func (l *Lifecycle) BeginStart() bool {
	return l.v.CompareAndSwap(int32(StateStopped), int32(StateStarting))
}

// Started moves Starting->Running.
func (l *Lifecycle) Started() {
	l.v.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

// BeginStop claims the Running->Stopping transition. A false return
// means there is nothing to tear down.
func (l *Lifecycle) BeginStop() bool {
	return l.v.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

// Stopped resets to the initial state from any state.
func (l *Lifecycle) Stopped() {
	l.v.Store(int32(StateStopped))
}

func (l *Lifecycle) State() State {
	return State(l.v.Load())
}
