package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestManager_ClosesInReverseOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var order []string
	for _, name := range []string{"ledger", "client", "server"} {
		name := name
		m.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if want := []string{"server", "client", "ledger"}; !reflect.DeepEqual(order, want) {
		t.Errorf("Expected %v, got %v", want, order)
	}
}

func TestManager_ReturnsFirstErrorAndClosesAll(t *testing.T) {
	m := NewManager(zerolog.Nop())
	errFirst := errors.New("first")
	closed := 0

	m.RegisterFunc("a", func() error { closed++; return errors.New("second") })
	m.RegisterFunc("b", func() error { closed++; return errFirst })
	m.RegisterFunc("c", func() error { closed++; return nil })

	if err := m.Close(); !errors.Is(err, errFirst) {
		t.Errorf("Expected first error from last registered failing resource, got %v", err)
	}
	if closed != 3 {
		t.Errorf("Expected all 3 resources closed, got %d", closed)
	}
	if err := m.Close(); err != nil || closed != 3 {
		t.Errorf("Second Close should be a no-op, got err=%v closed=%d", err, closed)
	}
}

func TestManager_RegisterShutdownPassesContext(t *testing.T) {
	m := NewManager(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var got context.Context
	m.RegisterShutdown(ctx, "server", func(c context.Context) error {
		got = c
		return nil
	})

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got != ctx {
		t.Error("Expected the registered context to be passed to the shutdown function")
	}
}
