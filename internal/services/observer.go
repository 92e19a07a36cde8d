package services

import "sync"

// handlerFan dispatches one value to many subscribers. Registration
// returns an unsubscribe func that is safe to call more than once.
type handlerFan[T any] struct {
	mu       sync.Mutex
	nextID   int
	order    []int
	handlers map[int]func(T)
}

func newHandlerFan[T any]() *handlerFan[T] {
	return &handlerFan[T]{handlers: make(map[int]func(T))}
}

func (f *handlerFan[T]) add(handler func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.order = append(f.order, id)
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *handlerFan[T]) emit(v T) {
	f.mu.Lock()
	ids := append([]int(nil), f.order...)
	handlers := make(map[int]func(T), len(f.handlers))
	for id, h := range f.handlers {
		handlers[id] = h
	}
	f.mu.Unlock()

	for _, id := range ids {
		if h, ok := handlers[id]; ok {
			h(v)
		}
	}
}

func (f *handlerFan[T]) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = nil
	f.handlers = make(map[int]func(T))
}
