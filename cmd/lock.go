package main

import (
	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
)

// acquireRunLock takes the single-instance lock at path. The returned
// release func is safe to defer.
func acquireRunLock(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "acquire run lock %s", path)
	}
	if !ok {
		return nil, eris.Errorf("another archive-flow run holds %s", path)
	}
	return func() { _ = lock.Unlock() }, nil
}
