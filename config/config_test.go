package config

import (
	"bytes"
	"strings"
	"testing"
)

func TestReadSettingsDecodesKnownFields(t *testing.T) {
	body := `{"bin":true,"bytedepth":4,"cumul":false,"mode":1,"xspim_size":100,"yspim_size":50,"pixel_time":1000,"time_delay":10,"time_width":5,"video_time":0,"time_resolved":true,"save_locally":true,"threshold":1234}`
	s, err := ReadSettings(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ReadSettings: %v", err)
	}
	if !s.Bin || s.ByteDepth != 4 || s.Mode != 1 || s.XspimSize != 100 {
		t.Errorf("decoded settings = %+v", s)
	}
	if s.ByteDepthBits() != 32 {
		t.Errorf("ByteDepthBits() = %d, want 32", s.ByteDepthBits())
	}
	if string(s.Threshold) != "1234" {
		t.Errorf("opaque field Threshold = %s, want 1234 preserved verbatim", s.Threshold)
	}
}

func TestReadSettingsRejectsOversizedRecord(t *testing.T) {
	huge := bytes.Repeat([]byte("a"), maxSettingsBytes+10)
	_, err := ReadSettings(bytes.NewReader(huge))
	if err == nil {
		t.Fatal("expected an error for an oversized settings record")
	}
}
