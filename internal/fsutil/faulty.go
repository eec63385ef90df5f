package fsutil

import (
	"errors"
	"io/fs"
	"strings"
	"sync"
)

// ErrInjected is returned by Faulty for operations configured to fail.
var ErrInjected = errors.New("fsutil: injected failure")

// Faulty wraps an FS and fails selected operations. It is used to simulate
// I/O failures at precise points of multi-step writes.
type Faulty struct {
	FS

	mu sync.Mutex
	// FailRename fails Rename calls whose target contains the substring.
	FailRename string
	// FailWrite fails WriteFile calls whose name contains the substring.
	FailWrite string
	// FailRemove fails Remove calls whose name contains the substring.
	FailRemove string

	renames int
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)

// NewFaulty wraps inner.
func NewFaulty(inner FS) *Faulty {
	return &Faulty{FS: inner}
}

// Set replaces the failure configuration.
func (f *Faulty) Set(failRename, failWrite, failRemove string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailRename, f.FailWrite, f.FailRemove = failRename, failWrite, failRemove
}

// Renames returns the number of successful renames.
func (f *Faulty) Renames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renames
}

func (f *Faulty) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	fail := f.FailWrite != "" && strings.Contains(name, f.FailWrite)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.FS.WriteFile(name, data, perm)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	fail := f.FailRename != "" && strings.Contains(newpath, f.FailRename)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	if err := f.FS.Rename(oldpath, newpath); err != nil {
		return err
	}
	f.mu.Lock()
	f.renames++
	f.mu.Unlock()
	return nil
}

func (f *Faulty) Remove(name string) error {
	f.mu.Lock()
	fail := f.FailRemove != "" && strings.Contains(name, f.FailRemove)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.FS.Remove(name)
}
