package interp

import (
	"context"
	"testing"

	"github.com/emuhost/emuhost/pkg/engine"
)

func TestInterpreterLifecycle(t *testing.T) {
	for _, role := range engine.AllRoles() {
		t.Run(string(role), func(t *testing.T) {
			p, err := Factory().NewProvider(context.Background(), role)
			if err != nil {
				t.Fatalf("factory failed: %v", err)
			}
			if p.Role() != role {
				t.Errorf("expected role %s, got %s", role, p.Role())
			}
			if p.Name() != "interp-"+string(role) {
				t.Errorf("unexpected name %s", p.Name())
			}
			if err := p.Init(context.Background()); err != nil {
				t.Fatalf("init failed: %v", err)
			}
			if !p.(*Provider).Initialized() {
				t.Error("expected initialized")
			}
			if err := p.Close(context.Background()); err != nil {
				t.Fatalf("close failed: %v", err)
			}
		})
	}
}
