package swcache

import (
	"reflect"
	"testing"

	"github.com/jmgilman/go/errors"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		event   Event
		to      State
		effects []Effect
	}{
		{Parsed, EventInstall, Installing, []Effect{EffectPrecache}},
		{Installing, EventInstallDone, Installed, nil},
		{Installed, EventSkipWaiting, Activating, []Effect{EffectPurgeStale}},
		{Installed, EventClientsReleased, Activating, []Effect{EffectPurgeStale}},
		{Activating, EventPurgeDone, Active, []Effect{EffectBroadcastUpdate}},
		{Installing, EventSuperseded, Redundant, nil},
		{Installed, EventSuperseded, Redundant, nil},
		{Active, EventSuperseded, Redundant, nil},
	}
	for _, tt := range tests {
		to, effects, err := Transition(tt.from, tt.event)
		if err != nil {
			t.Fatalf("%s + %s: %v", tt.from, tt.event, err)
		}
		if to != tt.to || !reflect.DeepEqual(effects, tt.effects) {
			t.Fatalf("%s + %s = %s %v, want %s %v", tt.from, tt.event, to, effects, tt.to, tt.effects)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	invalid := []struct {
		from  State
		event Event
	}{
		{Installing, EventSkipWaiting},
		{Parsed, EventInstallDone},
		{Active, EventSkipWaiting},
		{Active, EventInstall},
		{Installed, EventPurgeDone},
		{Redundant, EventSuperseded},
		{Redundant, EventInstall},
	}
	for _, tt := range invalid {
		to, effects, err := Transition(tt.from, tt.event)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s + %s should be invalid, got %v", tt.from, tt.event, err)
		}
		if to != tt.from || effects != nil {
			t.Fatalf("Invalid transition changed state to %s with %v", to, effects)
		}
	}
}

func TestGenerationStoreNames(t *testing.T) {
	g := Generation{App: "scores", Version: "v2"}
	want := []string{"scores-static-v2", "scores-dynamic-v2", "scores-api-v2"}
	if !reflect.DeepEqual(g.StoreNames(), want) {
		t.Fatalf("Store names are %v", g.StoreNames())
	}
	if !g.Owns("scores-api-v2") || g.Owns("scores-api-v1") || g.Owns("other-api-v2") {
		t.Fatal("Ownership is wrong")
	}
}
