package discovery

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/theme"
)

type fakeResolver struct {
	hosts map[string][]string
}

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	return f.hosts[host], nil
}

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.Default())
}

func TestService_ResolvesMembersOnStart(t *testing.T) {
	resolver := fakeResolver{hosts: map[string][]string{"backend.internal": {"10.0.0.1", "10.0.0.2"}}}
	src := Source{
		Cluster:  &domain.Cluster{Name: "web"},
		HostPort: []HostPort{{Host: "backend.internal", Port: 8080}},
	}

	svc := NewService(resolver, []Source{src}, time.Hour, testLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	clusters, err := svc.Clusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	require.Len(t, clusters[0].Members, 2)
	require.Equal(t, uint16(8080), clusters[0].Members[0].Address.Port)
}

func TestService_SkipsHostsThatFailToResolve(t *testing.T) {
	resolver := fakeResolver{hosts: map[string][]string{}}
	src := Source{
		Cluster:  &domain.Cluster{Name: "web"},
		HostPort: []HostPort{{Host: "missing.internal", Port: 80}},
	}

	svc := NewService(resolver, []Source{src}, time.Hour, testLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	clusters, _ := svc.Clusters(context.Background())
	require.Empty(t, clusters[0].Members)
}
