package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreGetOrCreateRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, "verifier_001", "Verifier", "verifier")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if created.State != "idle" || created.Balance != "0" || created.Y != 64 {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	balance := "2500000"
	tasks := 3
	if err := store.Update(ctx, "verifier_001", Update{Balance: &balance, TasksCompleted: &tasks}); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := store.Load(ctx, "verifier_001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected record after update")
	}
	if loaded.Balance != "2500000" || loaded.TasksCompleted != 3 {
		t.Fatalf("unexpected record: %+v", loaded)
	}
	if loaded.Name != "Verifier" || loaded.Role != "verifier" {
		t.Fatalf("identity fields not preserved: %+v", loaded)
	}
	if loaded.LastActive < created.LastActive {
		t.Fatalf("lastActive moved backwards: %d < %d", loaded.LastActive, created.LastActive)
	}
}

func TestFileStoreLoadAbsent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	state, err := store.Load(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil for absent record, got %+v", state)
	}
}

func TestFileStoreCorruptRecordTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "miner_001.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	state, err := store.Load(ctx, "miner_001")
	if err != nil {
		t.Fatalf("load corrupt: %v", err)
	}
	if state != nil {
		t.Fatalf("corrupt record should read as absent")
	}

	// GetOrCreate 应覆盖损坏文件并回落到默认值。
	created, err := store.GetOrCreate(ctx, "miner_001", "Miner", "miner")
	if err != nil {
		t.Fatalf("get or create over corrupt file: %v", err)
	}
	if created.State != "idle" {
		t.Fatalf("expected defaults, got %+v", created)
	}
}

func TestFileStoreTxLogCappedAt500(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "treasury_001", "Treasury", "treasury"); err != nil {
		t.Fatalf("get or create: %v", err)
	}

	for i := 0; i < 501; i++ {
		if err := store.AppendTransaction(ctx, "treasury_001", fmt.Sprintf("0xhash%d", i), "transferUsdc"); err != nil {
			t.Fatalf("append tx %d: %v", i, err)
		}
	}

	state, err := store.Load(ctx, "treasury_001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.TxLog) != 500 {
		t.Fatalf("expected tx log capped at 500, got %d", len(state.TxLog))
	}
	if state.TxLog[0].TxHash != "0xhash1" {
		t.Fatalf("expected oldest entry evicted, first is %s", state.TxLog[0].TxHash)
	}
	if state.TxLog[499].TxHash != "0xhash500" {
		t.Fatalf("expected newest entry last, got %s", state.TxLog[499].TxHash)
	}
}
