package pool

import (
	"time"

	"mcpbridge/internal/domain"
	"mcpbridge/internal/infra/telemetry"
)

// StartIdleReaper begins periodic eviction of idle connections, keeping
// each server's pool at or above the configured minimum.
func (p *Pool) StartIdleReaper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	p.mu.Lock()
	if p.reapTicker != nil {
		p.mu.Unlock()
		return
	}
	p.reapTicker = time.NewTicker(interval)
	p.stopReap = make(chan struct{})
	stop := p.stopReap
	ticker := p.reapTicker
	p.mu.Unlock()

	if p.health != nil {
		p.reapBeat = p.health.Register("pool_idle_reaper", interval*3)
	}
	go func() {
		for {
			select {
			case <-ticker.C:
				if p.reapBeat != nil {
					p.reapBeat.Beat()
				}
				p.reapIdle()
			case <-stop:
				return
			}
		}
	}()
}

// StopIdleReaper ends idle eviction.
func (p *Pool) StopIdleReaper() {
	p.mu.Lock()
	if p.reapTicker == nil {
		p.mu.Unlock()
		return
	}
	p.reapTicker.Stop()
	p.reapTicker = nil
	close(p.stopReap)
	if p.reapBeat != nil {
		p.reapBeat.Stop()
		p.reapBeat = nil
	}
	p.mu.Unlock()
}

func (p *Pool) reapIdle() {
	now := time.Now()

	var victims []*Handle
	p.mu.Lock()
	for _, state := range p.servers {
		if state.total <= p.minPerServer {
			continue
		}
		kept := state.idle[:0]
		for _, handle := range state.idle {
			idleFor := now.Sub(handle.lastUsed())
			if state.total > p.minPerServer && idleFor >= p.idleTimeout {
				handle.setState(domain.ConnStateClosed)
				state.total--
				victims = append(victims, handle)
				p.logger.Info("idle connection reaped",
					telemetry.EventField(telemetry.EventIdleReap),
					telemetry.ServerIDField(state.serverID),
					telemetry.ConnIDField(handle.id),
					telemetry.DurationField(idleFor),
				)
				continue
			}
			kept = append(kept, handle)
		}
		state.idle = kept
		p.observeConnsLocked(state)
	}
	p.mu.Unlock()

	for _, handle := range victims {
		_ = handle.conn.Close()
	}
}
