package secrets_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Strob0t/mesync/internal/secrets"
)

func TestNewVault_InitialLoad(t *testing.T) {
	v, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"KEY_A": "val_a", "KEY_B": "val_b"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	if got := v.Get("KEY_A"); got != "val_a" {
		t.Fatalf("expected 'val_a', got %q", got)
	}
	if got := v.Get("MISSING"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
}

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_ReloadAndSource(t *testing.T) {
	var mu sync.Mutex
	token := "old"
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		return map[string]string{"TOKEN": token}, nil
	})
	src := v.Source("TOKEN")
	if src() != "old" {
		t.Fatalf("expected 'old', got %q", src())
	}

	mu.Lock()
	token = "new"
	mu.Unlock()
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if src() != "new" {
		t.Fatalf("source must observe the reloaded value, got %q", src())
	}
}

func TestVault_ReloadErrorPreservesValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("vault unavailable")
		}
		return map[string]string{"TOKEN": "kept"}, nil
	})
	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("TOKEN"); got != "kept" {
		t.Fatalf("expected preserved value, got %q", got)
	}
}

func TestVault_ReloadOnSignal(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls > 1 {
			return map[string]string{"TOKEN": "rotated"}, nil
		}
		return map[string]string{"TOKEN": "initial"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		v.ReloadOn(ctx, sigs)
		close(done)
	}()

	sigs <- syscall.SIGHUP
	deadline := time.After(2 * time.Second)
	for v.Get("TOKEN") != "rotated" {
		select {
		case <-deadline:
			t.Fatal("vault was not reloaded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("MESYNC_TEST_SECRET", "mysecret")
	loader := secrets.EnvLoader("MESYNC_TEST_SECRET", "MESYNC_MISSING_SECRET")

	vals, err := loader()
	if err != nil {
		t.Fatalf("EnvLoader failed: %v", err)
	}
	if vals["MESYNC_TEST_SECRET"] != "mysecret" {
		t.Fatalf("expected 'mysecret', got %q", vals["MESYNC_TEST_SECRET"])
	}
	if _, ok := vals["MESYNC_MISSING_SECRET"]; ok {
		t.Fatal("expected missing env var to be omitted")
	}
}

func TestEnvLoaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESYNC_TEST_TOKEN", "from-env")
	t.Setenv("MESYNC_TEST_TOKEN_FILE", path)

	vals, err := secrets.EnvLoader("MESYNC_TEST_TOKEN")()
	if err != nil {
		t.Fatal(err)
	}
	if vals["MESYNC_TEST_TOKEN"] != "from-file" {
		t.Fatalf("file must win over the plain variable, got %q", vals["MESYNC_TEST_TOKEN"])
	}

	t.Setenv("MESYNC_TEST_TOKEN_FILE", filepath.Join(t.TempDir(), "absent"))
	if _, err := secrets.EnvLoader("MESYNC_TEST_TOKEN")(); err == nil {
		t.Fatal("expected error for unreadable secret file")
	}
}
