package core

import (
	"strings"
	"testing"
	"time"
)

func TestIDFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "short content", content: "test content"},
		{name: "empty string", content: ""},
		{name: "long content", content: strings.Repeat("a longer piece of content ", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id1 := IDFromContent(tt.content)
			id2 := IDFromContent(tt.content)
			if id1 != id2 {
				t.Errorf("IDFromContent() produced different IDs for same content: %d vs %d", id1, id2)
			}
		})
	}
}

func TestIDFromContent_Different(t *testing.T) {
	if IDFromContent("content1") == IDFromContent("content2") {
		t.Errorf("IDFromContent() produced same ID for different content")
	}
}

func TestVectorID(t *testing.T) {
	a := VectorID("doc-1", 0)
	if a != VectorID("doc-1", 0) {
		t.Fatalf("VectorID is not deterministic")
	}
	if a == VectorID("doc-1", 1) {
		t.Errorf("positions 0 and 1 share a vector id")
	}
	if a == VectorID("doc-2", 0) {
		t.Errorf("documents doc-1 and doc-2 share a vector id")
	}
}

func TestIdempotencyKey(t *testing.T) {
	if IdempotencyKey("doc", "abc") != IdempotencyKey("doc", "abc") {
		t.Fatalf("IdempotencyKey is not deterministic")
	}
	if IdempotencyKey("doc", "abc") == IdempotencyKey("doc", "abd") {
		t.Errorf("different content hashes produced the same key")
	}
}

func TestHashContent(t *testing.T) {
	sum1, n, err := HashContent(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("HashContent() error = %v", err)
	}
	if n != 11 {
		t.Errorf("HashContent() read %d bytes, want 11", n)
	}
	if len(sum1) != 64 {
		t.Errorf("HashContent() digest length = %d, want 64 hex chars", len(sum1))
	}
	sum2, _, _ := HashContent(strings.NewReader("hello world!"))
	if sum1 == sum2 {
		t.Errorf("HashContent() produced same digest for different input")
	}
}

func TestIngestionJob_Report(t *testing.T) {
	now := time.Now().UTC()
	doc := &Document{ID: "d1", SourceRef: "/tmp/a.txt", ContentHash: "ff"}
	job := NewJob("j1", doc, now)

	r := job.Report()
	if r.Status != StatusQueued || r.CompletedAt != nil || r.LastError != nil {
		t.Fatalf("unexpected report for new job: %+v", r)
	}

	job.CompletedAt = now
	job.LastError = &ErrorInfo{Kind: KindEmbedRateLimited, Stage: StageEmbed, Message: "429"}
	r = job.Report()
	if r.CompletedAt == nil || !r.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt not reported")
	}
	if r.LastError == nil || r.LastError.Kind != KindEmbedRateLimited {
		t.Errorf("LastError not reported")
	}
}

func TestIngestionJob_Leased(t *testing.T) {
	now := time.Now()
	job := &IngestionJob{LeaseOwner: "w1", LeaseExpiresAt: now.Add(time.Second)}
	if !job.Leased(now) {
		t.Errorf("expected job to be leased before expiry")
	}
	if job.Leased(now.Add(2 * time.Second)) {
		t.Errorf("expected lease to have expired")
	}
	job.LeaseOwner = ""
	if job.Leased(now) {
		t.Errorf("job without owner reported as leased")
	}
}

func TestChunk_Lengths(t *testing.T) {
	c := Chunk{Start: 10, End: 30, OverlapStart: 14}
	if c.Length() != 20 {
		t.Errorf("Length() = %d, want 20", c.Length())
	}
	if c.OverlapLength() != 4 {
		t.Errorf("OverlapLength() = %d, want 4", c.OverlapLength())
	}
}

func TestIngestionStats_SuccessRate(t *testing.T) {
	if (IngestionStats{}).SuccessRate() != 0 {
		t.Errorf("empty stats should have zero success rate")
	}
	s := IngestionStats{TotalIngestions: 4, Completed: 3}
	if s.SuccessRate() != 75 {
		t.Errorf("SuccessRate() = %v, want 75", s.SuccessRate())
	}
}
