package seccomp

import "fmt"

// Action is the verdict the filter returns for a syscall
type Action uint32

// Action defines seccomp action to the syscall
// default value 0 is invalid
const (
	ActionAllow Action = iota + 1
	ActionErrno
	ActionTrace
	ActionKill
)

// MsgDisallow, MsgHandle are the trace messages attached to ActionTrace. The
// tracer reads them back with PTRACE_GETEVENTMSG to decide how to handle the
// stop.
const (
	MsgDisallow int16 = iota + 1
	MsgHandle
)

// WithReturnCode set the return code when action is trace or errno
func (a Action) WithReturnCode(code int16) Action {
	return a.Action() | Action(code)<<16
}

// ReturnCode get the return code
func (a Action) ReturnCode() int16 {
	return int16(a >> 16)
}

// Action get the basic action
func (a Action) Action() Action {
	return Action(a & 0xffff)
}

func (a Action) String() string {
	var s string
	switch a.Action() {
	case ActionAllow:
		s = "allow"
	case ActionErrno:
		s = "errno"
	case ActionTrace:
		s = "trace"
	case ActionKill:
		s = "kill"
	default:
		return fmt.Sprintf("action(%d)", uint32(a))
	}
	if c := a.ReturnCode(); c != 0 {
		return fmt.Sprintf("%s(%d)", s, c)
	}
	return s
}
