package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(10, 2)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		ok := q.Enqueue(Job{
			Run: func() error {
				defer wg.Done()
				ran.Add(1)
				return nil
			},
		})
		if !ok {
			t.Fatal("enqueue should succeed with room in the queue")
		}
	}

	q.Start()
	wg.Wait()
	q.Stop()

	if ran.Load() != 5 {
		t.Errorf("expected 5 jobs run, got %d", ran.Load())
	}
}

func TestQueueFullDropsJob(t *testing.T) {
	q := NewQueue(1, 1)

	if !q.Enqueue(Job{Run: func() error { return nil }}) {
		t.Fatal("first enqueue should fit")
	}
	if q.Enqueue(Job{Run: func() error { return nil }}) {
		t.Error("second enqueue should be rejected, queue is full")
	}
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)

	boom := errors.New("boom")
	var wg sync.WaitGroup
	wg.Add(1)

	var got error
	q.Enqueue(Job{
		Run: func() error { return boom },
		OnFail: func(err error) {
			got = err
			wg.Done()
		},
	})

	q.Start()
	wg.Wait()
	q.Stop()

	if !errors.Is(got, boom) {
		t.Errorf("expected boom, got %v", got)
	}
}
