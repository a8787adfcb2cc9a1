package job

import (
	"context"
	"testing"
)

type uploadJob struct {
	Base
	Path string `json:"path"`
}

func (j *uploadJob) JobType() string                { return "upload" }
func (j *uploadJob) Run(ctx context.Context) error { return nil }

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register("upload", func() Encodable { return &uploadJob{} })

	in := &uploadJob{Path: "/tmp/report.csv"}
	typeName, payload, err := r.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if typeName != "upload" {
		t.Fatalf("type = %q, want upload", typeName)
	}

	out, err := r.Decode(typeName, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(*uploadJob)
	if !ok {
		t.Fatalf("decoded %T, want *uploadJob", out)
	}
	if got.Path != in.Path {
		t.Fatalf("path = %q, want %q", got.Path, in.Path)
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Decode("ghost", []byte("{}")); err == nil {
		t.Fatalf("unknown type decoded")
	}
}

type plainJob struct{ Base }

func (plainJob) Run(ctx context.Context) error { return nil }

func TestRegistryRejectsNonEncodable(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Encode(plainJob{}); err == nil {
		t.Fatalf("non-Encodable job encoded")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("upload", func() Encodable { return &uploadJob{} })
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	r.Register("upload", func() Encodable { return &uploadJob{} })
}

func TestBaseRetryLimits(t *testing.T) {
	def := Base{}
	if !def.ShouldRetry(DefaultRetryLimit-1, nil) || def.ShouldRetry(DefaultRetryLimit, nil) {
		t.Fatalf("default limit not applied at %d", DefaultRetryLimit)
	}
	forever := Base{RetryLimit: -1}
	if !forever.ShouldRetry(1_000_000, nil) {
		t.Fatalf("negative limit should retry forever")
	}
	capped := Base{RetryLimit: 2}
	if !capped.ShouldRetry(1, nil) || capped.ShouldRetry(2, nil) {
		t.Fatalf("explicit limit 2 not honored")
	}
}
