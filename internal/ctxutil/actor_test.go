package ctxutil

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), "reviewer-bot")
	if got := ActorFromContext(ctx); got != "reviewer-bot" {
		t.Errorf("ActorFromContext = %q, want reviewer-bot", got)
	}
}

func TestActorFromEmptyContext(t *testing.T) {
	if got := ActorFromContext(context.Background()); got != "" {
		t.Errorf("ActorFromContext on bare context = %q, want empty", got)
	}
}

func TestDefaultActor(t *testing.T) {
	t.Setenv("USER", "jane")
	t.Setenv("PIPECTL_ACTOR", "")

	if got := DefaultActor(); got != "jane" {
		t.Errorf("DefaultActor = %q, want jane", got)
	}

	t.Setenv("PIPECTL_ACTOR", "qa-bot")
	if got := DefaultActor(); got != "qa-bot" {
		t.Errorf("DefaultActor = %q, want qa-bot", got)
	}
}
