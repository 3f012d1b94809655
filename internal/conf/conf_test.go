package conf

import "testing"

func TestDefaultSettingsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
}

func TestValidateRejectsBadSampleRate(t *testing.T) {
	s := Default()
	s.SampleRate = 96000
	if err := s.Validate(); err == nil {
		t.Error("96 kHz accepted")
	}
	s.SampleRate = 44100
	if err := s.Validate(); err != nil {
		t.Errorf("44.1 kHz rejected: %v", err)
	}
}

func TestValidateRejectsBadBlockSize(t *testing.T) {
	s := Default()
	s.FramesPerBuffer = 10
	if err := s.Validate(); err == nil {
		t.Error("tiny block size accepted")
	}
	s.FramesPerBuffer = 100000
	if err := s.Validate(); err == nil {
		t.Error("huge block size accepted")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	s := Default()
	s.LogLevel = "loud"
	if err := s.Validate(); err == nil {
		t.Error("unknown log level accepted")
	}
	s.LogLevel = "DEBUG"
	if err := s.Validate(); err != nil {
		t.Errorf("case-insensitive level rejected: %v", err)
	}
}
