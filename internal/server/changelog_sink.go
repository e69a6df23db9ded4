package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/autotune"

	"github.com/jackc/pgx/v5/pgxpool"
)

const changeSinkDSNEnv = "AUTOTUNE_PG_DSN"

// ChangeSink mirrors applied fee changes into postgres so they outlive the
// NDJSON log rotation and can be queried across runs.
type ChangeSink struct {
	db     *pgxpool.Pool
	svc    *autotune.Service
	logger loggerLike
	feed   chan autotune.ChangeEvent
}

func NewChangeSink(db *pgxpool.Pool, svc *autotune.Service, logger loggerLike) *ChangeSink {
	return &ChangeSink{
		db:     db,
		svc:    svc,
		logger: logger,
	}
}

func (c *ChangeSink) EnsureSchema(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	_, err := c.db.Exec(ctx, `
create table if not exists autotune_fee_changes (
  id bigserial primary key,
  occurred_at timestamptz not null,
  peer text not null,
  rules text[] not null default '{}',
  old_min_fee_ppm integer not null default 0,
  old_max_fee_ppm integer not null default 0,
  old_inbound_fee_ppm integer not null default 0,
  new_min_fee_ppm integer not null default 0,
  new_max_fee_ppm integer not null default 0,
  new_inbound_fee_ppm integer not null default 0,
  vol_before_sats bigint not null default 0,
  rev_before_sats bigint not null default 0,
  outbound_action text not null default 'same',
  inbound_action text not null default 'same',
  created_at timestamptz not null default now()
);
`)
	return err
}

func (c *ChangeSink) Start() {
	if c.db == nil || c.feed != nil {
		return
	}
	c.feed = c.svc.Subscribe()
	go c.loop()
}

func (c *ChangeSink) Stop() {
	if c.feed != nil {
		c.svc.Unsubscribe(c.feed)
		c.feed = nil
	}
}

func (c *ChangeSink) loop() {
	for evt := range c.feed {
		if err := c.insert(evt); err != nil {
			c.logger.Printf("change sink: insert failed: %v", err)
		}
	}
}

func (c *ChangeSink) insert(evt autotune.ChangeEvent) error {
	occurredAt, err := time.Parse(time.RFC3339, evt.Ts)
	if err != nil {
		occurredAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.db.Exec(ctx, `
insert into autotune_fee_changes (
  occurred_at, peer, rules,
  old_min_fee_ppm, old_max_fee_ppm, old_inbound_fee_ppm,
  new_min_fee_ppm, new_max_fee_ppm, new_inbound_fee_ppm,
  vol_before_sats, rev_before_sats,
  outbound_action, inbound_action
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`,
		occurredAt, evt.Peer, evt.Rules,
		evt.OldFees.MinFeePpm, evt.OldFees.MaxFeePpm, evt.OldFees.InboundFeePpm,
		evt.NewFees.MinFeePpm, evt.NewFees.MaxFeePpm, evt.NewFees.InboundFeePpm,
		evt.VolBefore, evt.RevBefore,
		evt.OutboundAction, evt.InboundAction,
	)
	return err
}

// initChangeSink connects the postgres change mirror when a DSN is
// configured. The sink is optional; without it the NDJSON change log is the
// only durable record.
func (s *Server) initChangeSink() {
	dsn := strings.TrimSpace(os.Getenv(changeSinkDSNEnv))
	if dsn == "" {
		s.sinkErr = fmt.Sprintf("change sink disabled: %s not set", changeSinkDSNEnv)
		s.logger.Printf("%s", s.sinkErr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		s.sinkErr = fmt.Sprintf("change sink unavailable: failed to connect to postgres: %v", err)
		s.logger.Printf("%s", s.sinkErr)
		return
	}

	sink := NewChangeSink(pool, s.svc, s.logger)
	if err := sink.EnsureSchema(ctx); err != nil {
		s.sinkErr = fmt.Sprintf("change sink unavailable: failed to init schema: %v", err)
		s.logger.Printf("%s", s.sinkErr)
		return
	}

	s.sink = sink
	s.sinkErr = ""
	sink.Start()
}
