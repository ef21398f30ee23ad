// Package date provides a cached, thread-safe HTTP Date header value.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	running int
	done    chan struct{}
)

// StartTicker starts refreshing the cached value every 500ms and returns a
// stop function. Tickers are reference counted: the refresh goroutine runs
// while at least one caller has not stopped.
func StartTicker() func() {
	mu.Lock()
	defer mu.Unlock()

	update()
	running++
	if running == 1 {
		done = make(chan struct{})
		go tick(done)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()

			running--
			if running == 0 {
				close(done)
			}
		})
	}
}

func tick(done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			update()
		case <-done:
			return
		}
	}
}

func update() {
	b := []byte(time.Now().UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached Date value. The slice must not be modified.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}

	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
