package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit/internal/audit"
)

type recordingStore struct {
	mu      sync.Mutex
	jobs    map[string]audit.Job
	history []audit.Job
	saveErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{jobs: make(map[string]audit.Job)}
}

func (s *recordingStore) CreateJob(_ context.Context, job audit.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.history = append(s.history, job.Clone())
	return nil
}

func (s *recordingStore) SaveJob(_ context.Context, job audit.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.jobs[job.ID] = job.Clone()
	s.history = append(s.history, job.Clone())
	return nil
}

func (s *recordingStore) GetJob(_ context.Context, jobID string) (audit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.Job{}, audit.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *recordingStore) DeleteJobsBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *recordingStore) snapshots(jobID string) []audit.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Job
	for _, job := range s.history {
		if job.ID == jobID {
			out = append(out, job.Clone())
		}
	}
	return out
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type crawlerFunc func(ctx context.Context, url string, opts audit.Options) (audit.PageSet, error)

func (f crawlerFunc) Crawl(ctx context.Context, url string, opts audit.Options) (audit.PageSet, error) {
	return f(ctx, url, opts)
}

type measurerFunc func(ctx context.Context, url string, opts audit.Options) (audit.PerformanceReport, error)

func (f measurerFunc) MeasurePerformance(
	ctx context.Context,
	url string,
	opts audit.Options,
) (audit.PerformanceReport, error) {
	return f(ctx, url, opts)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("job-%d", g.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = body
	b.types[path] = contentType
	return "mem://" + path, nil
}

func (b *fakeBlobStore) paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for path := range b.objects {
		out = append(out, path)
	}
	return out
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("len%d", len(data)), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	events []CompletionEvent
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	event, ok := payload.(CompletionEvent)
	if !ok {
		return "", fmt.Errorf("unexpected payload %T", payload)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *fakePublisher) published() []CompletionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompletionEvent(nil), p.events...)
}
