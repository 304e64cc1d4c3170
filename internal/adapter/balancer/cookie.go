package balancer

import (
	"fmt"
	"math/rand"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
)

// GenerateCookie produces the "beng_lb_node"-style sticky cookie value for
// cluster, per spec.md section 4.5: a pseudo-random starting node that
// skips members currently failed, so a freshly-stuck client doesn't land on
// a backend already known to be down.
func GenerateCookie(cluster *domain.Cluster, failures ports.FailureManager) (value string, member domain.Member, ok bool) {
	members := cluster.MembersSnapshot()
	if len(members) == 0 {
		return "", domain.Member{}, false
	}

	start := rand.Intn(len(members))
	idx := start
	if failures != nil {
		for i := 0; i < len(members); i++ {
			candidate := (start + i) % len(members)
			if failures.Get(members[candidate].Address).IsRoutable() {
				idx = candidate
				break
			}
		}
	}

	return fmt.Sprintf("%d-%d", cookieGeneration, idx), members[idx], true
}

// cookieGeneration is the "N" half of the beng_lb_node=N-M cookie. It never
// changes at runtime; it exists so a future config reload that reorders
// cluster members can invalidate stale cookies by bumping it.
const cookieGeneration = 0
