package client

import (
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"hlspoll/work/logger"
)

// idleRelease is how long an unreferenced blocking agent keeps its connection
// warm before the pool tears it down.
const idleRelease = 10 * time.Second

// blockingAgent owns one single-connection HTTP client. Every request routed
// through the agent serializes onto that connection, which lets a server
// correlate successive blocking reloads from the same consumer.
type blockingAgent struct {
	client *http.Client

	mu    sync.Mutex
	refs  int
	timer *time.Timer
}

// blockingPool maps blocking keys to their agents. Agents are created on
// first use and reaped after sitting unreferenced for idleRelease.
type blockingPool struct {
	agents *xsync.MapOf[string, *blockingAgent]
}

func newBlockingPool() *blockingPool {
	return &blockingPool{agents: xsync.NewMapOf[string, *blockingAgent]()}
}

// acquire returns the agent for key, creating it if needed, and takes a
// reference that must be paired with release.
func (p *blockingPool) acquire(key string) *blockingAgent {
	agent, loaded := p.agents.LoadOrCompute(key, func() *blockingAgent {
		return &blockingAgent{
			client: &http.Client{Transport: newTransport(1)},
		}
	})
	if !loaded {
		logger.Debug("{client - acquire} New blocking agent for key %s", key)
	}

	agent.mu.Lock()
	agent.refs++
	if agent.timer != nil {
		agent.timer.Stop()
		agent.timer = nil
	}
	agent.mu.Unlock()
	return agent
}

// release drops one reference. When the last reference goes, the agent stays
// cached for idleRelease so back-to-back blocking reloads reuse the
// connection, then it is removed and its connection closed.
func (p *blockingPool) release(key string, agent *blockingAgent) {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	agent.refs--
	if agent.refs > 0 {
		return
	}

	agent.timer = time.AfterFunc(idleRelease, func() {
		agent.mu.Lock()
		expired := agent.refs == 0
		agent.mu.Unlock()
		if !expired {
			return
		}
		p.agents.Compute(key, func(cur *blockingAgent, ok bool) (*blockingAgent, bool) {
			if ok && cur == agent {
				return nil, true // delete
			}
			return cur, false
		})
		agent.client.CloseIdleConnections()
		logger.Debug("{client - release} Reaped idle blocking agent for key %s", key)
	})
}
