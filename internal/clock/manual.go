package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual es un reloj + scheduler controlado a mano, para tests.
// Las tareas solo corren dentro de Advance, en el goroutine del test.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks map[int]*manualTask
}

type manualTask struct {
	m       *Manual
	id      int
	every   time.Duration
	next    time.Time
	fn      func()
	stopped bool
}

func (t *manualTask) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.stopped = true
	delete(t.m.tasks, t.id)
}

// NewManual crea un reloj manual posicionado en start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[int]*manualTask)}
}

// Now implementa Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every implementa Scheduler.
func (m *Manual) Every(d time.Duration, fn func()) Task {
	return m.add(d, d, fn)
}

// After implementa Scheduler.
func (m *Manual) After(d time.Duration, fn func()) Task {
	return m.add(d, 0, fn)
}

func (m *Manual) add(first, every time.Duration, fn func()) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, id: m.seq, every: every, next: m.now.Add(first), fn: fn}
	m.tasks[t.id] = t
	return t
}

// Active devuelve la cantidad de tareas programadas y no paradas.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance mueve el reloj d y ejecuta, en orden, las tareas vencidas.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var due []*manualTask
		for _, t := range m.tasks {
			if !t.next.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			m.now = target
			m.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].next.Equal(due[j].next) {
				return due[i].id < due[j].id
			}
			return due[i].next.Before(due[j].next)
		})
		t := due[0]
		m.now = t.next
		if t.every > 0 {
			t.next = t.next.Add(t.every)
		} else {
			delete(m.tasks, t.id)
		}
		fn := t.fn
		m.mu.Unlock()

		fn()
	}
}
