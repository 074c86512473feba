package dispatch

import (
	"testing"

	"rpcendpoint/rpctypes"
)

func echoEvent(ev Event) error { return nil }

func TestLoggingHookPassesThrough(t *testing.T) {
	handler := LoggingHook()(echoEvent)
	if err := handler(Event{Code: rpctypes.CodeCallFunc}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestRateLimitHook(t *testing.T) {
	handler := RateLimitHook(1, 2)(echoEvent)
	ev := Event{Code: rpctypes.CodeCallFunc}

	for i := 0; i < 2; i++ {
		if err := handler(ev); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	if err := handler(ev); err == nil {
		t.Fatal("third request should be rate limited")
	}
}

func TestChainComposesOutermostFirst(t *testing.T) {
	var order []string
	first := func(next HandlerFunc) HandlerFunc {
		return func(ev Event) error {
			order = append(order, "first")
			return next(ev)
		}
	}
	second := func(next HandlerFunc) HandlerFunc {
		return func(ev Event) error {
			order = append(order, "second")
			return next(ev)
		}
	}
	chained := Chain(first, second)
	handler := chained(echoEvent)

	if err := handler(Event{Code: rpctypes.CodeCallFunc}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected hooks to run in chain order, got %v", order)
	}
}
