package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodemesh/meshnode/internal/config"
	"github.com/nodemesh/meshnode/internal/health"
)

func TestProberReportsHealthyNeighbor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	neighbor := config.Neighbor{Name: "peer-1", Address: "ignored", Port: 0}
	p := NewProber([]config.Neighbor{neighbor}, 50*time.Millisecond)
	p.newChecker = func(url string) health.Checker {
		return health.NewHTTPChecker(srv.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.pollAll(ctx)

	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Healthy)
}

func TestProberReportsUnprobedNeighborAsUnhealthy(t *testing.T) {
	p := NewProber([]config.Neighbor{{Name: "peer-2"}}, time.Second)
	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "not yet probed", statuses[0].Message)
}
