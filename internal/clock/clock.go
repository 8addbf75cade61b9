// Package clock abstrae el tiempo y las tareas recurrentes para que los timers
// de sesión (auto-refresh, inactividad, coalescing) sean testeables sin sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock devuelve la hora actual.
type Clock func() time.Time

// System es el reloj real, en UTC.
func System() time.Time { return time.Now().UTC() }

// Task es una tarea programada. Stop es idempotente.
type Task interface {
	Stop()
}

// Scheduler programa tareas recurrentes y diferidas.
type Scheduler interface {
	// Every ejecuta fn cada d hasta que se llame Stop sobre la tarea.
	Every(d time.Duration, fn func()) Task
	// After ejecuta fn una vez pasado d, salvo que se cancele antes.
	After(d time.Duration, fn func()) Task
}

// NewScheduler devuelve un Scheduler respaldado por time.Ticker / time.AfterFunc.
func NewScheduler() Scheduler { return realScheduler{} }

type realScheduler struct{}

type tickerTask struct {
	once sync.Once
	done chan struct{}
}

func (t *tickerTask) Stop() { t.once.Do(func() { close(t.done) }) }

func (realScheduler) Every(d time.Duration, fn func()) Task {
	t := &tickerTask{done: make(chan struct{})}
	tk := time.NewTicker(d)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-tk.C:
				// Una tarea parada entre el tick y este punto no debe correr.
				select {
				case <-t.done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

type timerTask struct{ t *time.Timer }

func (t timerTask) Stop() { t.t.Stop() }

func (realScheduler) After(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}
