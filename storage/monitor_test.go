package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/virtstor/virtstor"
)

func waitForGeneration(t *testing.T, cs *CachingStore, img, vol virtstor.UUID, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := cs.Load(context.Background(), img, vol)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if m.Generation == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache still serving the stale generation")
}

func TestMonitorInvalidatesOnExternalRewrite(t *testing.T) {
	fs := newTestFileStore(t)
	cs := NewCachingStore(fs, 10, 100)
	ctx := context.Background()

	img, vol := virtstor.NewUUID(), virtstor.NewUUID()
	m := Meta{
		Domain: fs.Domain().ID, Image: img, Volume: vol,
		Format: FormatCOW, Allocation: Sparse, VolType: TypeLeaf,
		Legality: Legal, Generation: 1,
	}
	if err := cs.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	mon, err := NewMonitor(cs)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	defer mon.Close()

	if got, err := cs.Load(ctx, img, vol); err != nil || got.Generation != 1 {
		t.Fatalf("warming load: %+v, %v", got, err)
	}

	// Another process on this host rewrites the record behind the cache.
	m.Generation = 2
	if err := os.WriteFile(fs.metaPath(img, vol), EncodeMeta(m), 0o644); err != nil {
		t.Fatalf("external rewrite: %v", err)
	}
	waitForGeneration(t, cs, img, vol, 2)
}

func TestMonitorWatchesNewImageDirs(t *testing.T) {
	fs := newTestFileStore(t)
	cs := NewCachingStore(fs, 10, 100)
	ctx := context.Background()

	mon, err := NewMonitor(cs)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	defer mon.Close()

	// The image directory appears only after the watcher started.
	img, vol := virtstor.NewUUID(), virtstor.NewUUID()
	m := Meta{
		Domain: fs.Domain().ID, Image: img, Volume: vol,
		Format: FormatCOW, Allocation: Sparse, VolType: TypeLeaf,
		Legality: Legal, Generation: 1,
	}
	if err := cs.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, err := cs.Load(ctx, img, vol); err != nil || got.Generation != 1 {
		t.Fatalf("warming load: %+v, %v", got, err)
	}

	// The rewrite may race the watch attach of the new directory, so keep
	// rewriting until the invalidation is observed.
	m.Generation = 2
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(fs.metaPath(img, vol), EncodeMeta(m), 0o644); err != nil {
			t.Fatalf("external rewrite: %v", err)
		}
		got, err := cs.Load(ctx, img, vol)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Generation == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rewrite in a new image dir never invalidated the cache")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMonitorRequiresFileStore(t *testing.T) {
	cs := NewCachingStore(poolManagerStore(), 10, 100)
	if _, err := NewMonitor(cs); err == nil {
		t.Fatalf("monitor accepted a non-file store")
	}
}
