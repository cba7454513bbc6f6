package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tulip/internal/chain"
	"tulip/internal/common"
	"tulip/internal/config"
	"tulip/internal/engine"
	"tulip/internal/httpapi"
	"tulip/internal/journal"
	"tulip/internal/net"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Server owns one auction engine and every surface that exposes it.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     config.Config
	ledger  *chain.Ledger
	engine  *engine.Engine
	journal *journal.Journal
	tcp     *net.Server
	http    *fiber.App
}

// Create assembles the server. When a journal is configured its history is
// replayed first; genesis balances are only minted on an empty journal.
func Create(ctx context.Context, cancel context.CancelFunc, cfg config.Config, clock chain.Clock) (*Server, error) {
	s := &Server{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		ledger: chain.NewLedger(clock),
	}
	s.engine = engine.New(s.ledger, engine.Options{
		Owner:           common.Identity(cfg.Owner),
		Account:         common.Identity(cfg.Account),
		FeePercent:      cfg.FeePercent,
		DefaultDuration: cfg.DefaultDuration,
	})

	replayed := 0
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{SyncEveryWrite: cfg.Journal.SyncEveryWrite})
		if err != nil {
			return nil, err
		}
		replayed, err = j.Replay(s.engine.Replay)
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		s.journal = j
		s.engine.SetJournal(j)
		log.Info().
			Str("path", cfg.Journal.Path).
			Int("transactions", replayed).
			Int("auctions", s.engine.Count()).
			Msg("journal replayed")
	}

	if replayed == 0 {
		if err := s.mintGenesis(); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.JWTSecret == "" {
		log.Warn().Msg("no jwt_secret configured, TCP sessions can not authenticate")
	}
	s.tcp = net.New(cfg.Listen.Address, cfg.Listen.Port, s.engine, []byte(cfg.JWTSecret), cfg.Workers)
	s.engine.SetReporter(s.tcp)

	if cfg.HTTP.Enabled {
		s.http = httpapi.New(s.engine, []byte(cfg.HTTPSecret()))
	}
	return s, nil
}

func (s *Server) mintGenesis() error {
	for _, alloc := range s.cfg.Genesis {
		amount, err := common.ParseAmount(alloc.Amount)
		if err != nil {
			return fmt.Errorf("genesis %s: %w", alloc.Account, err)
		}
		if _, err := s.engine.Deposit(common.Identity(alloc.Account), amount); err != nil {
			return fmt.Errorf("genesis %s: %w", alloc.Account, err)
		}
	}
	return nil
}

func (s *Server) Engine() *engine.Engine {
	return s.engine
}

func (s *Server) TCP() *net.Server {
	return s.tcp
}

// Destroys the server context, and signals to running routines to issue a cleanup.
func (s *Server) Shutdown() {
	s.cancel()
}

// Run serves until the context is cancelled or a surface fails.
func (s *Server) Run() error {
	defer s.Close()

	t, ctx := tomb.WithContext(s.ctx)

	t.Go(func() error {
		return s.tcp.Run(ctx)
	})

	if s.http != nil {
		address := fmt.Sprintf("%s:%d", s.cfg.HTTP.Address, s.cfg.HTTP.Port)
		t.Go(func() error {
			log.Info().Str("address", address).Msg("http gateway running")
			return s.http.Listen(address)
		})
		t.Go(func() error {
			<-t.Dying()
			return s.http.Shutdown()
		})
	}

	err := t.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
	return err
}

// Close releases the journal. Run calls it on exit; it is only needed
// directly when the server was never run.
func (s *Server) Close() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Close(); err != nil {
		log.Error().Err(err).Msg("unable to close journal")
	}
	s.journal = nil
}

// ---- Utility Methods ----
func (s *Server) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Owner:    %s\n", s.cfg.Owner)
	fmt.Fprintf(&sb, "Account:  %s\n", s.cfg.Account)
	fmt.Fprintf(&sb, "Fee:      %d%%\n", s.cfg.FeePercent)
	fmt.Fprintf(&sb, "Address:  %s\n", s.cfg.Listen.Address)
	fmt.Fprintf(&sb, "Port:     %d\n", s.cfg.Listen.Port)
	if s.http != nil {
		fmt.Fprintf(&sb, "HTTP:     %s:%d\n", s.cfg.HTTP.Address, s.cfg.HTTP.Port)
	}
	if s.cfg.Journal.Path != "" {
		fmt.Fprintf(&sb, "Journal:  %s\n", s.cfg.Journal.Path)
	}
	fmt.Fprintf(&sb, "Auctions: %d\n", s.engine.Count())

	return sb.String()
}
