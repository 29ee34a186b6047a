package service

import (
	"context"
	"fmt"

	"github.com/c360/sensorledger/health"
)

func (s *Service) registerHealthChecks() {
	s.monitor.Register("device", s.deviceHealth)
	s.monitor.Register("ledger", s.ledgerHealth)
	s.monitor.Register("scheduler", s.schedulerHealth)
	s.monitor.Register("journal", s.journalHealth)
}

// A closed device channel degrades the gateway: queries and committed
// history stay available.
func (s *Service) deviceHealth(context.Context) health.Status {
	if s.ingestor.Connected() {
		return health.NewHealthy("device", "device channel open")
	}
	if err := s.ingestor.LastError(); err != nil {
		return health.FromError("device", health.LevelDegraded, err, "")
	}
	return health.NewDegraded("device", "device channel not open")
}

func (s *Service) ledgerHealth(context.Context) health.Status {
	if s.client.Connected() {
		return health.NewHealthy("ledger", "gateway session active")
	}
	if err := s.client.LastError(); err != nil {
		st := health.FromError("ledger", health.LevelUnhealthy, err, "")
		st.Message = fmt.Sprintf("%s (breaker %s)", st.Message, s.client.BreakerState())
		return st
	}
	return health.NewUnhealthy("ledger", "no gateway session")
}

func (s *Service) schedulerHealth(context.Context) health.Status {
	st := s.scheduler.Status()
	if st.ConsecutiveFailures > 0 {
		return health.NewDegraded("scheduler",
			fmt.Sprintf("%d consecutive commit failures: %s", st.ConsecutiveFailures, health.Sanitize(st.LastReason)))
	}
	return health.NewHealthy("scheduler", fmt.Sprintf("%d committed, %d failed", st.Committed, st.Failed))
}

func (s *Service) journalHealth(context.Context) health.Status {
	switch s.journalMode {
	case JournalModeNATS:
		if s.nats != nil && !s.nats.IsHealthy() {
			return health.NewDegraded("journal", "NATS connection lost: "+s.nats.Status().String())
		}
		return health.NewHealthy("journal", "NATS KV journal")
	case JournalModeFallback:
		return health.NewDegraded("journal", "NATS unavailable, commit history held in memory")
	case "":
		return health.NewDegraded("journal", "journal opening")
	default:
		return health.NewHealthy("journal", "memory journal")
	}
}
