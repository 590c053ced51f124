package media

import "testing"

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr bool
	}{
		{"rgba ok", NewFrame(make([]byte, 4*4*2), 4, 2, 0, PixelFormatRGBA, 0, nil), false},
		{"padded stride", NewFrame(make([]byte, 20*2), 4, 2, 20, PixelFormatRGBA, 0, nil), false},
		{"yuy2 ok", NewFrame(make([]byte, 8*2), 4, 2, 0, PixelFormatYUY2, 0, nil), false},
		{"short buffer", NewFrame(make([]byte, 10), 4, 2, 0, PixelFormatRGB, 0, nil), true},
		{"unsupported", NewFrame(make([]byte, 64), 4, 2, 16, PixelFormatUnknown, 0, nil), true},
		{"zero size", NewFrame(nil, 0, 0, 0, PixelFormatGray8, 0, nil), true},
		{"stride too small", NewFrame(make([]byte, 64), 4, 2, 3, PixelFormatGray8, 0, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameReleaseHook(t *testing.T) {
	released := 0
	f := NewFrame(make([]byte, 4), 2, 2, 0, PixelFormatGray8, 0, func(*Frame) { released++ })

	f.Retain()
	f.Release()
	if released != 0 {
		t.Fatalf("hook ran with a reference still held")
	}
	f.Release()
	if released != 1 {
		t.Fatalf("hook ran %d times, want 1", released)
	}
}

func TestParsePixelFormat(t *testing.T) {
	for _, name := range []string{"RGB", "rgba", "RGBx", "YUY2", "gray8"} {
		if _, err := ParsePixelFormat(name); err != nil {
			t.Errorf("ParsePixelFormat(%q): %v", name, err)
		}
	}
	if _, err := ParsePixelFormat("NV12"); err == nil {
		t.Error("ParsePixelFormat(NV12) succeeded, want error")
	}
}
