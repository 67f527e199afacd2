package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("RENTWISE_TEST_MODE", "1")
		if os.Getenv("GATEWAY_CALLBACK_TOKEN") == "" {
			_ = os.Setenv("GATEWAY_CALLBACK_TOKEN", "test-callback-token")
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
