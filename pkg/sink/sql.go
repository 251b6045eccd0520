package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/observation"
	"github.com/kylerisse/pingpoll/pkg/store"
)

// SQL appends observations to the time-series store.
type SQL struct {
	store  *store.Store
	logger *logrus.Logger
}

func newSQL(cfg Config) (Sink, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sql sink needs a store")
	}
	return &SQL{store: cfg.Store, logger: cfg.logger()}, nil
}

// Name returns the sink kind.
func (s *SQL) Name() string { return KindSQL }

// Write appends the set in one transaction.
func (s *SQL) Write(ctx context.Context, set observation.Set) error {
	res, err := s.store.AppendObservations(ctx, set.Observations)
	if err != nil {
		return err
	}
	s.logger.Infof("Appended %d observation(s) to %s (%d new host(s)).", res.Records, s.store.Label(), res.Registered)

	if err := s.store.Optimize(ctx); err != nil {
		s.logger.Warnf("Post-write optimize failed: %v", err)
	}
	return nil
}
