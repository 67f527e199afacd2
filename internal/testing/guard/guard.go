// Package guard switches the process into test mode when imported, so
// binaries built into test helpers never dial real infrastructure.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("RENTWISE_TEST_MODE") == "" {
			_ = os.Setenv("RENTWISE_TEST_MODE", "1")
		}
	})
}
