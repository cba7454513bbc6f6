package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"tulip/internal/auth"
	. "tulip/internal/common"
	"tulip/internal/engine"
	"tulip/internal/utils"
	"tulip/internal/wire"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers    = 10
	defaultConnTimeout = time.Second

	// DefaultPageSize bounds a ListAuctions page. Pages are cut short further
	// so that the report fits in one frame.
	DefaultPageSize = 1000
	pageBudget      = wire.MaxFrameSize - 1024
)

var ErrImproperConversion = errors.New("improper type conversion")

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	address   string
	conn      net.Conn
	writeLock sync.Mutex

	// Only touched by the session's reader goroutine.
	caller Identity
}

func (c *ClientSession) send(payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, payload)
}

// ClientMessage links a message to the client sending it and the identity the
// session was authenticated as when the message arrived.
type ClientMessage struct {
	session *ClientSession
	caller  Identity
	message Message
}

type Server struct {
	address            string
	port               int
	engine             *engine.Engine
	secret             []byte
	pool               utils.WorkerPool
	cancel             context.CancelFunc
	clientSessions     map[string]*ClientSession
	clientSessionsLock sync.Mutex
	closed             bool

	ready    chan struct{}
	listener net.Listener
}

// New creates a server for eng. Sessions authenticate with tokens signed by
// secret; with no secret only queries are served.
func New(address string, port int, eng *engine.Engine, secret []byte, workers uint) *Server {
	if workers == 0 {
		workers = defaultNWorkers
	}
	return &Server{
		address:        address,
		port:           port,
		engine:         eng,
		secret:         secret,
		pool:           utils.NewWorkerPool(workers),
		clientSessions: make(map[string]*ClientSession),
		ready:          make(chan struct{}),
	}
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound listener address. Only valid after Ready.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) Run(ctx context.Context) error {
	// Setup a cancel on the context for future shutdown.
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.Shutdown()
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	s.listener = listener
	close(s.ready)

	// Closing the listener and the sessions is what unblocks Accept and the
	// session readers on shutdown.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeClientSessions()
		return nil
	})

	// Start the worker pool executing requests.
	t.Go(func() error {
		s.pool.Setup(t, s.handleMessage)
		return nil
	})

	// Start accepting connections.
	t.Go(func() error {
		return s.accept(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")
	return t.Wait()
}

func (s *Server) accept(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Msg("new client added")
		// Add the client to client sessions we are tracking.
		// We expect to potentially maintain a long TCP session.
		session := s.addClientSession(conn)
		if session == nil {
			return nil
		}

		// Every session gets its own reader.
		t.Go(func() error {
			s.readSession(t, session)
			return nil
		})
	}
}

// Report implements engine.Reporter by broadcasting the events of every
// committed transaction to all connected clients.
func (s *Server) Report(receipt Receipt) error {
	if len(receipt.Events) == 0 {
		return nil
	}

	report := eventReport(receipt)
	payload, err := report.Serialize()
	if err != nil {
		return fmt.Errorf("unable to encode events of %s: %w", receipt.TxID, err)
	}

	s.clientSessionsLock.Lock()
	sessions := make([]*ClientSession, 0, len(s.clientSessions))
	for _, session := range s.clientSessions {
		sessions = append(sessions, session)
	}
	s.clientSessionsLock.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := session.send(payload); err != nil {
			s.deleteClientSession(session.address)
			errs = append(errs, fmt.Errorf("unable to send report to %s: %w", session.address, err))
		}
	}
	return errors.Join(errs...)
}

// readSession reads frames off one connection until it closes. Authentication
// is handled in place so that it is ordered before the requests that follow
// it; every other request is handed to the worker pool.
func (s *Server) readSession(t *tomb.Tomb, session *ClientSession) {
	defer s.dropClientSession(session)

	reader := bufio.NewReaderSize(session.conn, wire.FrameHeaderLen+1024)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Error().
					Err(err).
					Str("address", session.address).
					Msg("error reading frame")
			}
			return
		}

		message, err := parseMessage(frame)
		if err != nil {
			log.Error().
				Err(err).
				Str("address", session.address).
				Msg("error parsing message")
			if err := s.reply(session, errorReport(message, fmt.Errorf("%w: %w", ErrMalformedMessage, err))); err != nil {
				return
			}
			continue
		}

		if m, ok := message.(AuthenticateMessage); ok {
			if err := s.reply(session, s.authenticate(session, m)); err != nil {
				return
			}
			continue
		}

		// Pass over to the workers.
		if !s.pool.AddTask(t, ClientMessage{
			session: session,
			caller:  session.caller,
			message: message,
		}) {
			return
		}
	}
}

func (s *Server) authenticate(session *ClientSession, m AuthenticateMessage) Report {
	session.caller = ZeroIdentity
	caller, err := auth.Verify(s.secret, m.Token)
	if err != nil {
		log.Warn().Err(err).Str("address", session.address).Msg("authentication failed")
		return errorReport(m, err)
	}
	session.caller = caller
	log.Info().Str("address", session.address).Str("caller", caller.String()).Msg("session authenticated")

	report := resultReport(m, Receipt{})
	report.Identity = caller
	return report
}

// handleMessage is a worker method executing one request and replying to the
// session it came from. Any error returned from here is fatal.
func (s *Server) handleMessage(t *tomb.Tomb, task any) error {
	message, ok := task.(ClientMessage)
	if !ok {
		return ErrImproperConversion
	}

	log.Debug().
		Str("address", message.session.address).
		Str("type", message.message.GetType().String()).
		Uint64("request", message.message.GetRequestID()).
		Msg("new message")

	report := s.execute(message.caller, message.message)
	if err := s.reply(message.session, report); err != nil {
		log.Error().Err(err).Str("address", message.session.address).Msg("unable to send report")
		s.deleteClientSession(message.session.address)
	}
	return nil
}

// reply sends a report to one session. A report that can not be encoded into a
// frame is answered with an error report instead, keeping the session.
func (s *Server) reply(session *ClientSession, report Report) error {
	payload, err := report.Serialize()
	if err == nil && len(payload) > wire.MaxFrameSize {
		err = wire.ErrFrameTooLarge
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("type", report.RequestType.String()).
			Uint64("request", report.RequestID).
			Msg("reply does not fit a frame")
		fallback := Report{
			MessageType: ErrorReport,
			RequestType: report.RequestType,
			RequestID:   report.RequestID,
			Code:        CodeReplyTooLarge,
			Err:         fmt.Errorf("%w: %w", ErrReplyTooLarge, err).Error(),
		}
		if payload, err = fallback.Serialize(); err != nil {
			return err
		}
	}
	return session.send(payload)
}

// execute runs one request against the engine as caller and builds its reply.
func (s *Server) execute(caller Identity, m Message) Report {
	switch m.GetType() {
	case CreateAuction, Buy, Withdraw, Deposit:
		if caller.IsZero() {
			return errorReport(m, ErrUnauthenticated)
		}
	}

	switch msg := m.(type) {
	case CreateAuctionMessage:
		_, receipt, err := s.engine.CreateAuction(caller, msg.StartingPrice, msg.DiscountRate, msg.Item, msg.Duration)
		if err != nil {
			return errorReport(m, err)
		}
		report := resultReport(m, receipt)
		report.AuctionID = receipt.Events[0].AuctionID
		return report

	case BuyMessage:
		receipt, err := s.engine.Buy(caller, msg.AuctionID, msg.Payment)
		if err != nil {
			return errorReport(m, err)
		}
		report := resultReport(m, receipt)
		report.AuctionID = msg.AuctionID
		report.Amount = receipt.Events[0].FinalPrice
		return report

	case DepositMessage:
		// Deposits issue new funds, so only the owner may make them.
		if caller != s.engine.Owner() {
			return errorReport(m, engine.ErrNotOwner)
		}
		receipt, err := s.engine.Deposit(msg.Account, msg.Amount)
		if err != nil {
			return errorReport(m, err)
		}
		report := resultReport(m, receipt)
		report.Identity = msg.Account
		report.Amount = s.engine.Balance(msg.Account)
		return report

	case AuctionMessage:
		report := resultReport(m, Receipt{})
		report.AuctionID = msg.AuctionID
		switch msg.TypeOf {
		case GetPrice:
			price, err := s.engine.GetPriceFor(msg.AuctionID)
			if err != nil {
				return errorReport(m, err)
			}
			report.Amount = price
		case GetAuction:
			auction, err := s.engine.Auction(msg.AuctionID)
			if err != nil {
				return errorReport(m, err)
			}
			report.Auctions = []Auction{auction}
		}
		return report

	case PageMessage:
		return s.listAuctions(msg)

	case AccountMessage:
		report := resultReport(m, Receipt{})
		report.Identity = msg.Account
		report.Amount = s.engine.Balance(msg.Account)
		return report

	case BaseMessage:
		report := resultReport(m, Receipt{})
		switch msg.TypeOf {
		case Heartbeat:
			report.Identity = caller
		case GetOwner:
			report.Identity = s.engine.Owner()
		case Withdraw:
			receipt, err := s.engine.Withdraw(caller)
			if err != nil {
				return errorReport(m, err)
			}
			report = resultReport(m, receipt)
			report.Identity = caller
			report.Amount = receipt.Events[0].Amount
		}
		return report
	}

	return errorReport(m, ErrInvalidMessageType)
}

// listAuctions answers one page, cut short once the encoded auctions would no
// longer fit in a frame.
func (s *Server) listAuctions(m PageMessage) Report {
	auctions := s.engine.Auctions()
	report := resultReport(m, Receipt{})
	report.Total = uint64(len(auctions))
	if m.Offset >= uint64(len(auctions)) {
		return report
	}

	limit := int(m.Limit)
	if limit == 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}

	size := 0
	w := wire.NewWriter(256)
	for _, a := range auctions[m.Offset:] {
		if len(report.Auctions) == limit {
			break
		}
		before := len(w.Bytes())
		w.Auction(a)
		size += len(w.Bytes()) - before
		if size > pageBudget && len(report.Auctions) > 0 {
			break
		}
		report.Auctions = append(report.Auctions, a)
	}
	return report
}

// addClientSession is an atomic map add. It refuses the connection once the
// server is closing.
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if s.closed {
		conn.Close()
		return nil
	}

	session := &ClientSession{
		address: conn.RemoteAddr().String(),
		conn:    conn,
	}
	s.clientSessions[session.address] = session
	return session
}

// deleteClientSession is an atomic map remove
func (s *Server) deleteClientSession(address string) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if session, ok := s.clientSessions[address]; ok {
		delete(s.clientSessions, address)
		session.conn.Close()
	}
}

func (s *Server) dropClientSession(session *ClientSession) {
	log.Info().Str("address", session.address).Msg("client removed")
	s.deleteClientSession(session.address)
}

func (s *Server) closeClientSessions() {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.closed = true

	for address, session := range s.clientSessions {
		session.conn.Close()
		delete(s.clientSessions, address)
	}
}
