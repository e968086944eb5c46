package events

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
)

func TestDispatcherDeliversRefUpdatesByProject(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectStream, cleanup := dispatcher.Subscribe(ctx, "alpha")
	defer cleanup()
	allStream, allCleanup := dispatcher.Subscribe(ctx, "")
	defer allCleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "beta")
	defer otherCleanup()

	dispatcher.OnRefUpdated(gitstore.RefUpdate{
		Project: "alpha",
		Name:    gitstore.ChangeMetaRef(1),
		OldID:   gitstore.ObjectID("1111111111111111111111111111111111111111"),
		NewID:   gitstore.ObjectID("2222222222222222222222222222222222222222"),
	})

	for _, stream := range []<-chan RefUpdated{projectStream, allStream} {
		select {
		case received := <-stream:
			if received.RefName != "refs/changes/01/1/meta" {
				t.Fatalf("unexpected ref %s", received.RefName)
			}
			if received.OldID == received.NewID {
				t.Fatalf("expected distinct old and new ids")
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected ref update within deadline")
		}
	}

	select {
	case <-otherStream:
		t.Fatal("did not expect update for another project")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "alpha")
	cleanup()
	cleanup()

	dispatcher.Publish(RefUpdated{EventType: EventRefUpdated, Project: "alpha", RefName: "refs/heads/master"})
	select {
	case <-stream:
		t.Fatal("did not expect delivery after cleanup")
	case <-time.After(50 * time.Millisecond):
	}
}
