package driver

import (
	"github.com/rs/zerolog/log"
)

type cleanupFunc struct {
	name string
	fn   func() error
}

// cleanupStack releases resources in reverse acquisition order.
type cleanupStack struct {
	funcs []cleanupFunc
}

func (s *cleanupStack) push(name string, fn func() error) {
	s.funcs = append(s.funcs, cleanupFunc{name: name, fn: fn})
}

func (s *cleanupStack) len() int {
	return len(s.funcs)
}

// run calls every function once, newest first. Errors are logged and
// counted; they never stop the remaining cleanups.
func (s *cleanupStack) run() int {
	failed := 0
	for i := len(s.funcs) - 1; i >= 0; i-- {
		c := s.funcs[i]
		if err := c.fn(); err != nil {
			failed++
			log.Warn().Err(err).Str("resource", c.name).Msg("Cleanup failed")
			continue
		}
		log.Debug().Str("resource", c.name).Msg("Released")
	}
	s.funcs = nil
	return failed
}
