package source

import (
	"context"
	"sync"

	"tributary/cdc"
)

// FakeSource is a scripted in-memory source for tests. Each Open
// returns a stream over the remaining scripted events; errors can be
// injected per-open and mid-stream.
type FakeSource struct {
	mu     sync.Mutex
	events []cdc.ChangeEvent
	next   int

	// OpenErrs are returned by successive Open calls before a stream
	// is handed out (simulates connect failures).
	OpenErrs []error
	// FailAfter injects NextErr after that many delivered events per
	// stream (0 = never).
	FailAfter int
	NextErr   error

	openedFrom []cdc.PositionToken
}

// NewFakeSource creates a source scripted with the given events.
func NewFakeSource(events ...cdc.ChangeEvent) *FakeSource {
	return &FakeSource{events: events}
}

// Append adds more scripted events.
func (f *FakeSource) Append(events ...cdc.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// OpenedFrom returns the tokens each Open was called with.
func (f *FakeSource) OpenedFrom() []cdc.PositionToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cdc.PositionToken, len(f.openedFrom))
	copy(out, f.openedFrom)
	return out
}

// Open returns a stream over the not-yet-delivered scripted events.
func (f *FakeSource) Open(ctx context.Context, from cdc.PositionToken) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openedFrom = append(f.openedFrom, from)

	if len(f.OpenErrs) > 0 {
		err := f.OpenErrs[0]
		f.OpenErrs = f.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	return &fakeStream{src: f}, nil
}

type fakeStream struct {
	src       *FakeSource
	delivered int
	last      cdc.PositionToken
}

func (s *fakeStream) Next(ctx context.Context) (*cdc.ChangeEvent, error) {
	s.src.mu.Lock()
	if s.src.FailAfter > 0 && s.delivered >= s.src.FailAfter && s.src.NextErr != nil {
		err := s.src.NextErr
		s.src.mu.Unlock()
		return nil, err
	}
	if s.src.next < len(s.src.events) {
		ev := s.src.events[s.src.next]
		s.src.next++
		s.src.mu.Unlock()
		s.delivered++
		s.last = ev.Token
		return &ev, nil
	}
	s.src.mu.Unlock()

	// Script exhausted: behave like an idle stream.
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeStream) Token() cdc.PositionToken {
	return s.last
}

func (s *fakeStream) Close(ctx context.Context) error {
	return nil
}
