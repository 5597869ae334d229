package room

import (
	"context"
	"sort"
	"time"
)

type task struct {
	id     uint64
	cancel context.CancelFunc
}

// Scheduler runs named periodic and one-shot tasks on the event loop. It is
// itself owned by the loop: every method must be called from it. A tick
// already queued when its task is cancelled is discarded, so CancelAll on a
// role transition leaves nothing of the old role running.
type Scheduler struct {
	post  func(func()) bool
	seq   uint64
	tasks map[string]*task
}

func NewScheduler(post func(func()) bool) *Scheduler {
	return &Scheduler{post: post, tasks: make(map[string]*task)}
}

func (s *Scheduler) add(name string) (uint64, context.Context) {
	s.Cancel(name)
	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	s.tasks[name] = &task{id: s.seq, cancel: cancel}
	return s.seq, ctx
}

func (s *Scheduler) live(name string, id uint64) bool {
	t, ok := s.tasks[name]
	return ok && t.id == id
}

// Every runs fn every d until cancelled. An existing task of the same name
// is replaced.
func (s *Scheduler) Every(name string, d time.Duration, fn func()) {
	id, ctx := s.add(name)
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok := s.post(func() {
					if s.live(name, id) {
						fn()
					}
				})
				if !ok {
					return
				}
			}
		}
	}()
}

// After runs fn once after d unless cancelled first.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	id, ctx := s.add(name)
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.post(func() {
				if s.live(name, id) {
					delete(s.tasks, name)
					fn()
				}
			})
		}
	}()
}

func (s *Scheduler) Cancel(name string) {
	if t, ok := s.tasks[name]; ok {
		t.cancel()
		delete(s.tasks, name)
	}
}

func (s *Scheduler) CancelAll() {
	for name := range s.tasks {
		s.Cancel(name)
	}
}

// Active lists the scheduled task names.
func (s *Scheduler) Active() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
