package verbs

import "testing"

func TestQueueTrackerBounds(t *testing.T) {
	tr := NewQueueTracker(2)

	if !tr.Add() {
		t.Fatal("expected first Add to succeed")
	}
	if !tr.Add() {
		t.Fatal("expected second Add to succeed")
	}
	if tr.Add() {
		t.Fatal("expected Add to fail once at capacity")
	}
	if tr.Current() != 2 {
		t.Fatalf("expected outstanding=2, got %d", tr.Current())
	}

	if !tr.Sub() {
		t.Fatal("expected Sub to succeed")
	}
	if tr.Current() != 1 {
		t.Fatalf("expected outstanding=1, got %d", tr.Current())
	}

	if !tr.Sub() {
		t.Fatal("expected second Sub to succeed")
	}
	if tr.Sub() {
		t.Fatal("expected Sub to fail once at zero")
	}
}

func TestQueueTrackerConcurrent(t *testing.T) {
	tr := NewQueueTracker(1000)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				tr.Add()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if tr.Current() != 1000 {
		t.Fatalf("expected outstanding=1000 after concurrent adds, got %d", tr.Current())
	}
}
