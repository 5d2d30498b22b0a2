package rbac

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyNarrow), 0o600))

	reg := NewRegistry(FileSource{Path: path}, nil)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, reg.IsAllowed(RolePhysician, ModuleClinical, ActionEdit))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &Watcher{Path: path, Registry: reg, Delay: 20 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(policyWide), 0o600)
		return reg.IsAllowed(RolePhysician, ModuleClinical, ActionEdit)
	}, 5*time.Second, 100*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("version: 1\nroles:\n  ghost: {}\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.True(t, reg.IsAllowed(RolePhysician, ModuleClinical, ActionEdit), "invalid edits are rejected")

	cancel()
	require.NoError(t, <-done)
}
