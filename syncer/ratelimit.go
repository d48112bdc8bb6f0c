package syncer

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ArkEcosystem/mainsail-sub003/wire"
	"go.sia.tech/core/types"
	"golang.org/x/time/rate"
)

// RateLimitWindow is the fixed window over which request budgets are
// counted.
const RateLimitWindow = time.Second

type limiterKey struct {
	ip    string
	route types.Specifier
}

// A window admits a fixed number of requests until it expires. The limiter
// never refills, so its tokens count down the remaining budget.
type window struct {
	expires time.Time
	lim     *rate.Limiter
}

func newWindow(now time.Time, budget int) *window {
	return &window{
		expires: now.Add(RateLimitWindow),
		lim:     rate.NewLimiter(0, budget),
	}
}

func (w *window) exhausted(now time.Time) bool {
	return w.lim.TokensAt(now) < 1
}

// A RateLimiter grants request tokens per peer IP, both globally and per
// route. Budgets are replenished at the start of every window.
type RateLimiter struct {
	global    int
	budgets   map[types.Specifier]int
	whitelist ipMatcher

	mu         sync.Mutex
	validators func() int
	ips        map[string]*window
	routes     map[limiterKey]*window
	nextSweep  time.Time
}

// validatorRoutes are the routes whose budget is the number of active
// validators.
var validatorRoutes = map[types.Specifier]bool{
	wire.RouteGetProposal:   true,
	wire.RouteGetMessages:   true,
	wire.RoutePostPrevote:   true,
	wire.RoutePostPrecommit: true,
}

// RouteBudgets returns the per-window request budget of each route.
func RouteBudgets(activeValidators, postTransactions int) map[types.Specifier]int {
	activeValidators = max(activeValidators, 1)
	budgets := map[types.Specifier]int{
		wire.RouteGetPeers:         1,
		wire.RouteGetAPINodes:      1,
		wire.RouteGetStatus:        2,
		wire.RouteGetBlocks:        5,
		wire.RoutePostProposal:     2,
		wire.RoutePostTransactions: postTransactions,
	}
	for route := range validatorRoutes {
		budgets[route] = activeValidators
	}
	return budgets
}

func (rl *RateLimiter) budget(route types.Specifier) int {
	if validatorRoutes[route] && rl.validators != nil {
		return max(rl.validators(), 1)
	}
	return rl.budgets[route]
}

// sweep drops expired windows. An expired window is equivalent to a missing
// one, so only keys active within the last window are retained.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Before(rl.nextSweep) {
		return
	}
	rl.nextSweep = now.Add(RateLimitWindow)
	for ip, w := range rl.ips {
		if !now.Before(w.expires) {
			delete(rl.ips, ip)
		}
	}
	for key, w := range rl.routes {
		if !now.Before(w.expires) {
			delete(rl.routes, key)
		}
	}
}

func (rl *RateLimiter) windows(now time.Time, ip string, route types.Specifier) (global, perRoute *window) {
	rl.sweep(now)
	global, ok := rl.ips[ip]
	if (!ok || !now.Before(global.expires)) && rl.global > 0 {
		global = newWindow(now, rl.global)
		rl.ips[ip] = global
	}
	key := limiterKey{ip, route}
	perRoute, ok = rl.routes[key]
	if !ok || !now.Before(perRoute.expires) {
		perRoute = nil
		if budget := rl.budget(route); budget > 0 {
			perRoute = newWindow(now, budget)
			rl.routes[key] = perRoute
		} else {
			delete(rl.routes, key)
		}
	}
	return
}

func (rl *RateLimiter) exceeded(ip string, route types.Specifier, consume bool) bool {
	if rl.whitelist.match(ip) {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	global, perRoute := rl.windows(now, ip, route)
	if (global != nil && global.exhausted(now)) || (perRoute != nil && perRoute.exhausted(now)) {
		return true
	} else if !consume {
		return false
	}
	if global != nil {
		global.lim.AllowN(now, 1)
	}
	if perRoute != nil {
		perRoute.lim.AllowN(now, 1)
	}
	return false
}

// HasExceededRateLimit reports whether ip has exhausted either its global or
// its per-route budget. If not, one token is consumed from both.
func (rl *RateLimiter) HasExceededRateLimit(ip string, route types.Specifier) bool {
	return rl.exceeded(ip, route, true)
}

// HasExceededRateLimitNoConsume is like HasExceededRateLimit, but never
// consumes a token.
func (rl *RateLimiter) HasExceededRateLimitNoConsume(ip string, route types.Specifier) bool {
	return rl.exceeded(ip, route, false)
}

// SetActiveValidators makes the budget of the vote and proposal routes follow
// fn. The budget of a window is fixed when the window starts.
func (rl *RateLimiter) SetActiveValidators(fn func() int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.validators = fn
}

// NewRateLimiter returns a RateLimiter that allows global requests per window
// per IP and the given budget per route. A budget of zero disables the
// corresponding limit. Whitelisted IPs are never limited.
func NewRateLimiter(global int, budgets map[types.Specifier]int, whitelist []string) *RateLimiter {
	return &RateLimiter{
		global:    global,
		budgets:   budgets,
		whitelist: newIPMatcher(whitelist),
		ips:       make(map[string]*window),
		routes:    make(map[limiterKey]*window),
	}
}

// An ipMatcher matches IPs against a list of exact IPs, CIDR subnets, or the
// wildcard "*".
type ipMatcher struct {
	any     bool
	ips     map[string]bool
	subnets []*net.IPNet
}

func (m ipMatcher) empty() bool {
	return !m.any && len(m.ips) == 0 && len(m.subnets) == 0
}

func (m ipMatcher) match(ip string) bool {
	if m.any || m.ips[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, subnet := range m.subnets {
		if subnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func newIPMatcher(patterns []string) ipMatcher {
	m := ipMatcher{ips: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "*":
			m.any = true
		case strings.Contains(p, "/"):
			if _, subnet, err := net.ParseCIDR(p); err == nil {
				m.subnets = append(m.subnets, subnet)
			}
		case p != "":
			if ip := net.ParseIP(p); ip != nil {
				m.ips[ip.String()] = true
			}
		}
	}
	return m
}
