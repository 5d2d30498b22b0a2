package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("HIS_TEST_MODE", "1")
		if os.Getenv("AUDIT_QUEUE_ENABLED") == "" {
			_ = os.Setenv("AUDIT_QUEUE_ENABLED", "false")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
