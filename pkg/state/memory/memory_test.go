package memory

import (
	"testing"

	"github.com/drivegate/drivegate/pkg/state"
	"github.com/drivegate/drivegate/pkg/state/statetest"
)

func TestStoreConformance(t *testing.T) {
	statetest.RunSuite(t, func(t *testing.T) state.Store {
		return NewStore()
	})
}
