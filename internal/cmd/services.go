package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/trillionclues/chronicle-backend/internal/events"
	"github.com/trillionclues/chronicle-backend/internal/gateway"
	"github.com/trillionclues/chronicle-backend/internal/scheduler"
	"github.com/trillionclues/chronicle-backend/internal/session"
	"github.com/trillionclues/chronicle-backend/internal/users"
)

// Services holds the wired application graph.
type Services struct {
	Sessions  *session.App
	Scheduler *scheduler.Scheduler
	Manager   *gateway.ConnectionManager
	Gateway   *gateway.Handler
	REST      *session.Handler
	Relay     *gateway.Relay

	natsConn *nats.Conn
}

// setupServices wires repository -> app -> scheduler/gateway, following the
// dependency direction storage -> state machine -> transports.
func setupServices(pool *pgxpool.Pool, nc *nats.Conn, policy session.Policy) *Services {
	var (
		repo      session.Repository
		directory users.Directory
	)
	if pool != nil {
		repo = session.NewPostgresRepository(pool)
		directory = users.NewPostgresDirectory(pool)
	} else {
		log.Warn().Msg("no database configured, using in-memory repository")
		repo = session.NewMemoryRepository()
		directory = users.NewStaticDirectory()
	}

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	// With NATS, state changes fan out through the broker so every gateway
	// node sees them; without it, events go straight to local connections.
	var (
		publisher events.Publisher = manager
		relay     *gateway.Relay
	)
	if nc != nil {
		publisher = gateway.NewNATSPublisher(nc)
		relay = gateway.NewRelay(nc, manager)
	}

	app := session.NewApp(repo, directory, publisher, policy)
	sched := scheduler.New(clockwork.NewRealClock(), app)
	app.BindTimers(sched)

	return &Services{
		Sessions:  app,
		Scheduler: sched,
		Manager:   manager,
		Gateway:   gateway.NewHandler(manager, app),
		REST:      session.NewHandler(app),
		Relay:     relay,
		natsConn:  nc,
	}
}

// Close tears the graph down in reverse dependency order.
func (s *Services) Close() {
	if s.Relay != nil {
		s.Relay.Stop()
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
	s.Scheduler.Shutdown()
}
