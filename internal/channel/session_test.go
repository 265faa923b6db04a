package channel

import (
	"errors"
	"testing"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

func TestSealerRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	sess := NewSession(map[string]string{"user": "ann", "role": "admin"})
	blob, err := s.Seal(sess)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.ID != sess.ID || got.Get("user") != "ann" || got.Get("role") != "admin" {
		t.Errorf("opened %+v, want %+v", got, sess)
	}

	again, _ := s.Seal(sess)
	if again == blob {
		t.Error("two seals produced the same blob")
	}
}

func TestSealerRejects(t *testing.T) {
	key, _ := GenerateKey()
	s, _ := NewSealer(key)
	blob, _ := s.Seal(NewSession(nil))

	other, _ := GenerateKey()
	o, _ := NewSealer(other)

	tampered := []byte(blob)
	tampered[len(tampered)-2] ^= 1

	tests := []struct {
		name string
		open func() error
	}{
		{"empty", func() error { _, err := s.Open(""); return err }},
		{"not base64", func() error { _, err := s.Open("!!!"); return err }},
		{"short", func() error { _, err := s.Open("AAAA"); return err }},
		{"tampered", func() error { _, err := s.Open(string(tampered)); return err }},
		{"wrong key", func() error { _, err := o.Open(blob); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.open(); !errors.Is(err, ErrInvalidSession) {
				t.Errorf("err = %v, want ErrInvalidSession", err)
			}
		})
	}

	if _, err := NewSealer([]byte("short")); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("NewSealer short key = %v, want ErrConfig", err)
	}
}

func TestSessionGetNil(t *testing.T) {
	var s *Session
	if s.Get("x") != "" {
		t.Error("nil session returned a value")
	}
}
