package discovery

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNoopRegistrarNeverFails(t *testing.T) {
	var r Registrar = NoopRegistrar{}
	if err := r.Register(Registration{ServiceID: "x"}); err != nil {
		t.Fatalf("noop register should never fail: %v", err)
	}
	if err := r.Deregister("x"); err != nil {
		t.Fatalf("noop deregister should never fail: %v", err)
	}
}

func TestNewConsulRegistrarConstructsClient(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg, err := NewConsulRegistrar("127.0.0.1:8500", log)
	if err != nil {
		t.Fatalf("constructing a consul client should not dial: %v", err)
	}
	if reg == nil {
		t.Fatal("expected non-nil registrar")
	}
}
