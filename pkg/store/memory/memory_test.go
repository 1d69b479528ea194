package memory

import (
	"testing"

	"github.com/pario-ai/tokengate/pkg/store"
	"github.com/pario-ai/tokengate/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) store.Store {
		return New(WithClock(clock.Now))
	})
}
