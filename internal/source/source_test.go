package source

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/xrstream/internal/media"
)

type fakeEncoder struct {
	mu     sync.Mutex
	inputs []media.EncodeInput
	fail   error
}

func (f *fakeEncoder) Push(in media.EncodeInput) error {
	defer in.Frame.Release()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.inputs = append(f.inputs, in)
	return nil
}

func frameAt(ts time.Duration, released *int) *media.Frame {
	return media.NewFrame(make([]byte, 4*4*4), 4, 4, 0, media.PixelFormatRGBA, ts, func(*media.Frame) {
		if released != nil {
			*released++
		}
	})
}

func TestPushTimestamps(t *testing.T) {
	tests := []struct {
		name     string
		captures []time.Duration
		wantPTS  []time.Duration
		wantDur  []time.Duration
	}{
		{
			name:     "steady",
			captures: []time.Duration{5 * time.Second, 5*time.Second + 16*time.Millisecond, 5*time.Second + 33*time.Millisecond},
			wantPTS:  []time.Duration{0, 16 * time.Millisecond, 33 * time.Millisecond},
			wantDur:  []time.Duration{0, 16 * time.Millisecond, 17 * time.Millisecond},
		},
		{
			name:     "first capture at zero",
			captures: []time.Duration{0, 10 * time.Millisecond},
			wantPTS:  []time.Duration{0, 10 * time.Millisecond},
			wantDur:  []time.Duration{0, 10 * time.Millisecond},
		},
		{
			name:     "capture goes backwards",
			captures: []time.Duration{time.Second, time.Second + 20*time.Millisecond, time.Second + 10*time.Millisecond, time.Second + 40*time.Millisecond},
			wantPTS:  []time.Duration{0, 20 * time.Millisecond, 20*time.Millisecond + 1, 40 * time.Millisecond},
			wantDur:  []time.Duration{0, 20 * time.Millisecond, 1, 20*time.Millisecond - 1},
		},
		{
			name:     "repeated capture time",
			captures: []time.Duration{time.Second, time.Second + 10*time.Millisecond, time.Second + 10*time.Millisecond, time.Second + 10*time.Millisecond},
			wantPTS:  []time.Duration{0, 10 * time.Millisecond, 10*time.Millisecond + 1, 10*time.Millisecond + 2},
			wantDur:  []time.Duration{0, 10 * time.Millisecond, 1, 1},
		},
		{
			name:     "backwards then repeated",
			captures: []time.Duration{time.Second, time.Second + 30*time.Millisecond, time.Second, time.Second, time.Second + 30*time.Millisecond},
			wantPTS:  []time.Duration{0, 30 * time.Millisecond, 30*time.Millisecond + 1, 30*time.Millisecond + 2, 30*time.Millisecond + 3},
			wantDur:  []time.Duration{0, 30 * time.Millisecond, 1, 1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := &fakeEncoder{}
			src := New(enc, nil, nil)
			for _, ts := range tt.captures {
				if err := src.Push(frameAt(ts, nil), nil); err != nil {
					t.Fatalf("Push: %v", err)
				}
			}

			if len(enc.inputs) != len(tt.wantPTS) {
				t.Fatalf("encoder got %d frames, want %d", len(enc.inputs), len(tt.wantPTS))
			}
			var prev time.Duration
			for i, in := range enc.inputs {
				if in.PTS != tt.wantPTS[i] {
					t.Errorf("frame %d PTS = %v, want %v", i, in.PTS, tt.wantPTS[i])
				}
				if in.Duration != tt.wantDur[i] {
					t.Errorf("frame %d duration = %v, want %v", i, in.Duration, tt.wantDur[i])
				}
				if i > 0 && in.PTS <= prev {
					t.Errorf("frame %d PTS %v not after %v", i, in.PTS, prev)
				}
				prev = in.PTS
			}
		})
	}
}

func TestPushCarriesMetadataCopy(t *testing.T) {
	enc := &fakeEncoder{}
	src := New(enc, nil, nil)

	md := []byte{1, 2, 3}
	if err := src.Push(frameAt(0, nil), md); err != nil {
		t.Fatal(err)
	}
	md[0] = 9

	if got := enc.inputs[0].Metadata; !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("metadata = %v, want a copy of the pushed bytes", got)
	}

	if err := src.Push(frameAt(time.Millisecond, nil), make([]byte, MaxInlineMetadata+1)); err != nil {
		t.Fatalf("oversized metadata must not fail the push: %v", err)
	}
	if enc.inputs[1].Metadata != nil {
		t.Fatal("oversized metadata was forwarded")
	}
}

func TestPushReleasesReference(t *testing.T) {
	released := 0
	enc := &fakeEncoder{}
	src := New(enc, nil, nil)

	f := frameAt(0, &released)
	if err := src.Push(f, nil); err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatal("frame released while the caller still holds it")
	}
	f.Release()
	if released != 1 {
		t.Fatalf("release hook ran %d times, want 1", released)
	}
}

func TestPushErrorsAreSoft(t *testing.T) {
	enc := &fakeEncoder{fail: errors.New("flushing")}
	src := New(enc, nil, nil)

	err := src.Push(frameAt(0, nil), nil)
	var pe *PushError
	if !errors.As(err, &pe) || !pe.Temporary() {
		t.Fatalf("error = %v, want temporary PushError", err)
	}

	enc.fail = nil
	if err := src.Push(frameAt(time.Millisecond, nil), nil); err != nil {
		t.Fatalf("push after failure: %v", err)
	}
	if got := enc.inputs[0].PTS; got != time.Millisecond {
		t.Fatalf("PTS after failed first push = %v, want 1ms", got)
	}
}

func TestPushRejectsInvalidFrames(t *testing.T) {
	enc := &fakeEncoder{}
	src := New(enc, nil, nil)

	bad := media.NewFrame(make([]byte, 8), 4, 4, 0, media.PixelFormatRGB, 0, nil)
	if err := src.Push(bad, nil); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("error = %v, want ErrInvalidFrame", err)
	}
	if len(enc.inputs) != 0 {
		t.Fatal("invalid frame reached the encoder")
	}

	// odd sizes only warn
	odd := media.NewFrame(make([]byte, 3*3), 3, 3, 0, media.PixelFormatGray8, 0, nil)
	if err := src.Push(odd, nil); err != nil {
		t.Fatalf("odd frame: %v", err)
	}
	if enc.inputs[0].PTS != 0 {
		t.Fatalf("first valid frame PTS = %v, want 0", enc.inputs[0].PTS)
	}
}
