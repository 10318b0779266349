package replset

// semaphore bounds the number of probes and pool opens a single refresh
// performs at once.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(size int) semaphore {
	sema := semaphore{ch: make(chan struct{}, size)}
	for i := 0; i < cap(sema.ch); i++ {
		sema.ch <- struct{}{}
	}
	return sema
}

func (s semaphore) acquire() {
	<-s.ch
}

func (s semaphore) release() {
	select {
	case s.ch <- struct{}{}:
	default:
		panic("release called on full semaphore")
	}
}
