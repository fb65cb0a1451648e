package sandbox

import "runtime"

// thread runs functions on one locked OS thread. ptrace binds a tracee to the
// thread that traces it, so every trace call of a sandbox goes through here.
type thread struct {
	work chan func()
	done chan struct{}
}

func newThread() *thread {
	t := &thread{
		work: make(chan func()),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *thread) loop() {
	// ptrace is thread based (kernel proc). The lock is never released, the
	// thread exits with the goroutine and takes any leftover tracee with it.
	runtime.LockOSThread()
	defer close(t.done)

	for f := range t.work {
		f()
	}
}

// do runs f on the thread and waits for it
func (t *thread) do(f func()) {
	finish := make(chan struct{})
	t.work <- func() {
		defer close(finish)
		f()
	}
	<-finish
}

func (t *thread) stop() {
	close(t.work)
	<-t.done
}
