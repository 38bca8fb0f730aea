package store

import (
	"testing"

	"github.com/warp/stock-ledger/stock/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return NewMemory()
	})
}
