/*
Copyright 2025 The update-pipeline authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler consumes one event
type Handler[E any] func(E)

type subscriber[E any] struct {
	id      int
	handler Handler[E]
}

// Emitter is a typed pub/sub fan-out. A panicking subscriber is logged and
// does not prevent the remaining subscribers from receiving the event. The
// last emitted event is retained and readable through Last.
type Emitter[E any] struct {
	name string

	mu      sync.RWMutex
	nextID  int
	subs    []subscriber[E]
	last    E
	hasLast bool
}

// NewEmitter creates an Emitter. The name only appears in logs.
func NewEmitter[E any](name string) *Emitter[E] {
	return &Emitter[E]{name: name}
}

// Subscribe registers a handler and returns a cancel function. Cancel is
// idempotent.
func (e *Emitter[E]) Subscribe(h Handler[E]) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber[E]{id: id, handler: h})
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every subscriber in registration order
func (e *Emitter[E]) Emit(ev E) {
	e.mu.Lock()
	e.last = ev
	e.hasLast = true
	subs := make([]subscriber[E], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		e.dispatch(s.handler, ev)
	}
}

// Last returns the most recently emitted event, if any
func (e *Emitter[E]) Last() (E, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.hasLast
}

func (e *Emitter[E]) dispatch(h Handler[E], ev E) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("emitter", e.name).Msgf("Event subscriber panicked: %v", r)
		}
	}()
	h(ev)
}
