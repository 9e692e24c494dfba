package manager

import (
	"context"
	"time"
)

// Admit reserves a queue slot and then an execution slot on the leased model.
// It returns a release func to be deferred. Requests that cannot get a slot
// within MaxWait, or that find the queue full for that long, fail with
// TooBusyError.
func (m *Manager) Admit(ctx context.Context, l *Lease) (func(), error) {
	e := l.e
	key := e.model.Key
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	start := time.Now()

	timer := time.NewTimer(m.cfg.MaxWait)
	defer timer.Stop()
	select {
	case e.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		m.met.rejections.Inc()
		return func() {}, TooBusyError{Key: key}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-e.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	select {
	case e.genCh <- struct{}{}:
		acquired = true
		m.met.admissionWait.Observe(time.Since(start).Seconds())
		return func() { <-e.genCh; <-e.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		m.met.rejections.Inc()
		return func() {}, TooBusyError{Key: key}
	}
}
