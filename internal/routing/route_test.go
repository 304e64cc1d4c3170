package routing

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cm4all/golb/internal/core/domain"
)

func clusterGoto(name string) *domain.Goto {
	return &domain.Goto{Kind: domain.GotoCluster, Cluster: &domain.Cluster{Name: name}}
}

func TestFindRequestLeaf_MatchesFirstCase(t *testing.T) {
	branch := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Name: "by-method",
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{
						Attribute: domain.AttrMethod,
						Matcher:   domain.Matcher{Kind: domain.MatchEquals, Value: "POST"},
					},
					Goto: clusterGoto("writers"),
				},
			},
			Fallback: clusterGoto("readers"),
		},
	}

	got := FindRequestLeaf(branch, Request{Method: "POST"})
	require.NotNil(t, got)
	require.Equal(t, "writers", got.Cluster.Name)

	got = FindRequestLeaf(branch, Request{Method: "GET"})
	require.NotNil(t, got)
	require.Equal(t, "readers", got.Cluster.Name, "expected fallback readers cluster")
}

func TestFindRequestLeaf_Negate(t *testing.T) {
	branch := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{
						Attribute: domain.AttrURI,
						Matcher:   domain.Matcher{Kind: domain.MatchEquals, Value: "/health"},
						Negate:    true,
					},
					Goto: clusterGoto("app"),
				},
			},
			Fallback: clusterGoto("health"),
		},
	}

	got := FindRequestLeaf(branch, Request{URI: "/health"})
	require.Equal(t, "health", got.Cluster.Name, "negated equality should not match /health")

	got = FindRequestLeaf(branch, Request{URI: "/app"})
	require.Equal(t, "app", got.Cluster.Name, "negated equality should match /app")
}

func TestFindRequestLeaf_Regex(t *testing.T) {
	branch := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{
						Attribute: domain.AttrURI,
						Matcher:   domain.Matcher{Kind: domain.MatchRegex, Regex: regexp.MustCompile(`^/api/`)},
					},
					Goto: clusterGoto("api"),
				},
			},
			Fallback: clusterGoto("static"),
		},
	}

	got := FindRequestLeaf(branch, Request{URI: "/api/v1/x"})
	require.Equal(t, "api", got.Cluster.Name)
	got = FindRequestLeaf(branch, Request{URI: "/index.html"})
	require.Equal(t, "static", got.Cluster.Name)
}

func TestFindRequestLeaf_AddressMask(t *testing.T) {
	branch := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{
						Attribute: domain.AttrRemoteAddress,
						Matcher: domain.Matcher{
							Kind: domain.MatchAddressMask,
							Mask: &domain.AddressMask{Network: "10.0.0.0", Bits: 8},
						},
					},
					Goto: clusterGoto("internal"),
				},
			},
			Fallback: clusterGoto("external"),
		},
	}

	got := FindRequestLeaf(branch, Request{RemoteAddr: "10.1.2.3:5555"})
	require.Equal(t, "internal", got.Cluster.Name)
	got = FindRequestLeaf(branch, Request{RemoteAddr: "8.8.8.8:5555"})
	require.Equal(t, "external", got.Cluster.Name)
}

func TestFindRequestLeaf_Header(t *testing.T) {
	branch := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{
						Attribute:  domain.AttrHeader,
						HeaderName: "X-Api-Key",
						Matcher:    domain.Matcher{Kind: domain.MatchEquals, Value: "secret"},
					},
					Goto: clusterGoto("premium"),
				},
			},
			Fallback: clusterGoto("free"),
		},
	}

	h := http.Header{}
	h.Set("X-Api-Key", "secret")
	got := FindRequestLeaf(branch, Request{Header: h})
	require.Equal(t, "premium", got.Cluster.Name)
	got = FindRequestLeaf(branch, Request{Header: http.Header{}})
	require.Equal(t, "free", got.Cluster.Name)
}

func TestFindRequestLeaf_NestedBranch(t *testing.T) {
	inner := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{Attribute: domain.AttrMethod, Matcher: domain.Matcher{Kind: domain.MatchEquals, Value: "DELETE"}},
					Goto:      clusterGoto("admin"),
				},
			},
			Fallback: clusterGoto("writers"),
		},
	}
	outer := &domain.Goto{
		Kind: domain.GotoBranch,
		Branch: &domain.Branch{
			Cases: []domain.BranchCase{
				{
					Condition: domain.Condition{Attribute: domain.AttrURI, Matcher: domain.Matcher{Kind: domain.MatchEquals, Value: "/api"}},
					Goto:      inner,
				},
			},
			Fallback: clusterGoto("static"),
		},
	}

	got := FindRequestLeaf(outer, Request{URI: "/api", Method: "DELETE"})
	require.Equal(t, "admin", got.Cluster.Name, "expected admin cluster via nested branch")
}

func TestFindRequestLeaf_Undefined(t *testing.T) {
	got := FindRequestLeaf(&domain.Goto{}, Request{})
	require.Nil(t, got, "expected nil for an undefined goto")
}
