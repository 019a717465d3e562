package memory

import (
	"testing"

	"github.com/ggoodman/authflight/storage"
	"github.com/ggoodman/authflight/storage/storagetest"
)

func TestMemoryTokenStore(t *testing.T) {
	storagetest.RunTokenStoreTests(t, func(t *testing.T) storage.TokenStore {
		return New()
	})
}
