package remap

import (
	"context"
	"testing"
)

func TestOpenUnlabeled_RecoversLayoutAndEntries(t *testing.T) {
	cfg := DefaultConfig(0, 100).normalize()

	main := newMemDevice(cfg.LogicalLength)
	spare := newMemDevice(cfg.spareDataStart() + 50)

	target, err := NewTarget(cfg, main, spare)
	if err != nil {
		t.Fatalf("NewTarget failed: %v", err)
	}

	if resp := target.Dispatch(context.Background(), "add 9"); resp[:2] != "ok" {
		t.Fatalf("add failed: %s", resp)
	}

	if err := target.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := OpenUnlabeled(main, spare)
	if err != nil {
		t.Fatalf("OpenUnlabeled failed: %v", err)
	}

	t.Cleanup(func() { _ = reopened.Close(context.Background()) })

	if _, ok := reopened.Table().Lookup(9); !ok {
		t.Fatalf("expected the previously added entry to survive an unlabeled reopen")
	}
}

func TestOpenUnlabeled_NoHeaderIsMetadataUnavailable(t *testing.T) {
	cfg := DefaultConfig(0, 100).normalize()

	main := newMemDevice(cfg.LogicalLength)
	spare := newMemDevice(cfg.spareDataStart() + 50)

	_, err := OpenUnlabeled(main, spare)
	if kind, ok := KindOf(err); !ok || kind != KindMetadataUnavailable {
		t.Fatalf("expected KindMetadataUnavailable on a blank spare device, got %v", err)
	}
}
