package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted button states.
type FakeReader struct {
	mu sync.Mutex

	// Samples are returned in order, one per Read. The last one repeats
	// until more are pushed.
	Samples []Sample

	index int // reads consumed

	// Closed tracks if Close was called.
	Closed bool

	// ReadError, if set, is returned by Read.
	ReadError error
}

// Sample is one reading of both buttons.
type Sample struct {
	Arm   bool // true = pressed
	Reset bool
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples []Sample) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, false, errors.New("no samples configured")
	}

	i := f.index
	if i < len(f.Samples) {
		f.index++
	} else {
		i = len(f.Samples) - 1
	}
	s := f.Samples[i]
	return s.Arm, s.Reset, nil
}

// Push appends samples to the script.
func (f *FakeReader) Push(samples ...Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Samples = append(f.Samples, samples...)
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Reset rewinds the script.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = 0
	f.Closed = false
}
