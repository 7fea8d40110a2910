package peernet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ggoodman/smc-node-go/smc"
)

// Errors returned by the mesh.
var (
	ErrClosed      = errors.New("peernet: mesh closed")
	ErrUnknownPeer = errors.New("peernet: unknown peer")
	ErrDuplicate   = errors.New("peernet: duplicate frame")
)

// Config describes the local party and the peers to connect to.
type Config struct {
	Session string
	LocalID int
	// Peers lists every participant, the local party included.
	Peers   []smc.Peer
	Network Network
	// RetryInterval is the pause between failed dials. Defaults to 50ms.
	RetryInterval time.Duration
	// HelloTimeout bounds how long an accepted connection may take to
	// identify itself. Defaults to 5s.
	HelloTimeout time.Duration
	Logger       *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Network == nil {
		c.Network = &TCP{}
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.HelloTimeout == 0 {
		c.HelloTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

type inboxKey struct {
	from  int
	round Round
}

type link struct {
	conn net.Conn
	dec  *cbor.Decoder
	wmu  sync.Mutex
	enc  *cbor.Encoder
	dead chan struct{}
	err  error
}

// Mesh is a fully connected set of peer links for one session. It is safe
// for concurrent use.
type Mesh struct {
	cfg   Config
	links map[int]*link

	mu    sync.Mutex
	inbox map[inboxKey]chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Connect listens on the local endpoint, dials every peer with a higher party
// id and accepts every peer with a lower one. It returns once each pair is
// connected, or with ctx's error.
func Connect(ctx context.Context, cfg Config) (*Mesh, error) {
	cfg.applyDefaults()
	var local *smc.Peer
	for i := range cfg.Peers {
		if cfg.Peers[i].PartyID == cfg.LocalID {
			local = &cfg.Peers[i]
		}
	}
	if local == nil {
		return nil, fmt.Errorf("%w: local party %d", ErrUnknownPeer, cfg.LocalID)
	}

	ln, err := cfg.Network.Listen(local.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("peernet: listen %s: %w", local.Endpoint, err)
	}

	m := &Mesh{
		cfg:    cfg,
		links:  make(map[int]*link, len(cfg.Peers)-1),
		inbox:  make(map[inboxKey]chan []byte),
		closed: make(chan struct{}),
	}

	var (
		mu      sync.Mutex
		conns   = make(map[int]*link, len(cfg.Peers)-1)
		wg      sync.WaitGroup
		errOnce sync.Once
		first   error
	)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fail := func(err error) {
		errOnce.Do(func() { first = err })
		cancel()
	}
	add := func(id int, l *link) bool {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := conns[id]; dup {
			return false
		}
		conns[id] = l
		return true
	}

	expectAccept := make(map[int]bool)
	for _, p := range cfg.Peers {
		switch {
		case p.PartyID == cfg.LocalID:
		case p.PartyID < cfg.LocalID:
			expectAccept[p.PartyID] = true
		default:
			wg.Add(1)
			go func(p smc.Peer) {
				defer wg.Done()
				c, err := m.dial(cctx, p)
				if err != nil {
					fail(err)
					return
				}
				add(p.PartyID, &link{conn: c, dec: newDecoder(c)})
			}(p)
		}
	}

	if len(expectAccept) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pending := len(expectAccept)
			for pending > 0 {
				c, err := ln.Accept()
				if err != nil {
					fail(fmt.Errorf("peernet: accept: %w", err))
					return
				}
				dec := newDecoder(c)
				id, err := m.readHello(c, dec)
				if err != nil || !expectAccept[id] || !add(id, &link{conn: c, dec: dec}) {
					cfg.Logger.Warn("peernet.accept.reject", slog.Int("from", id), slog.Any("err", err))
					_ = c.Close()
					continue
				}
				pending--
			}
		}()
	}

	// Unblock Accept when the attempt is abandoned.
	stop := context.AfterFunc(cctx, func() { _ = ln.Close() })
	wg.Wait()
	stop()
	_ = ln.Close()

	if first == nil {
		first = cctx.Err()
		if first == nil && len(conns) != len(cfg.Peers)-1 {
			first = fmt.Errorf("peernet: connected %d of %d peers", len(conns), len(cfg.Peers)-1)
		}
	}
	if first != nil {
		for _, l := range conns {
			_ = l.conn.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, first
	}

	for id, l := range conns {
		l.enc = newEncoder(l.conn)
		l.dead = make(chan struct{})
		m.links[id] = l
		m.wg.Add(1)
		go m.readLoop(id, l)
	}
	cfg.Logger.Debug("peernet.connect.ok", slog.String("session", cfg.Session), slog.Int("peers", len(conns)))
	return m, nil
}

func (m *Mesh) dial(ctx context.Context, p smc.Peer) (net.Conn, error) {
	addr := p.Endpoint.String()
	for {
		c, err := m.cfg.Network.Dial(ctx, addr)
		if err == nil {
			hello := Frame{Session: m.cfg.Session, From: m.cfg.LocalID, Round: RoundHello}
			if err = newEncoder(c).Encode(hello); err == nil {
				return c, nil
			}
			_ = c.Close()
		}
		m.cfg.Logger.Debug("peernet.dial.retry", slog.Int("peer", p.PartyID), slog.String("addr", addr), slog.Any("err", err))
		t := time.NewTimer(m.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// readHello decodes the identifying frame with dec, which must keep being used
// for the connection since it may have buffered later frames.
func (m *Mesh) readHello(c net.Conn, dec *cbor.Decoder) (int, error) {
	_ = c.SetReadDeadline(time.Now().Add(m.cfg.HelloTimeout))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	var f Frame
	if err := dec.Decode(&f); err != nil {
		return 0, err
	}
	if f.Round != RoundHello {
		return f.From, fmt.Errorf("peernet: expected hello, got round %d", f.Round)
	}
	if f.Session != m.cfg.Session {
		return f.From, fmt.Errorf("peernet: hello for session %q", f.Session)
	}
	return f.From, nil
}

func (m *Mesh) readLoop(id int, l *link) {
	defer m.wg.Done()
	defer close(l.dead)
	for {
		var f Frame
		if err := l.dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) || m.isClosed() {
				l.err = ErrClosed
			} else {
				l.err = fmt.Errorf("peernet: read from %d: %w", id, err)
			}
			return
		}
		if f.From != id || f.Session != m.cfg.Session || f.Round == RoundHello {
			l.err = fmt.Errorf("peernet: unexpected frame from %d (from=%d round=%d)", id, f.From, f.Round)
			_ = l.conn.Close()
			return
		}
		if err := m.deliver(inboxKey{from: id, round: f.Round}, f.Value); err != nil {
			l.err = err
			_ = l.conn.Close()
			return
		}
	}
}

func (m *Mesh) slot(k inboxKey) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.inbox[k]
	if !ok {
		ch = make(chan []byte, 1)
		m.inbox[k] = ch
	}
	return ch
}

func (m *Mesh) deliver(k inboxKey, v []byte) error {
	select {
	case m.slot(k) <- v:
		return nil
	default:
		return fmt.Errorf("%w: from %d round %d", ErrDuplicate, k.from, k.round)
	}
}

// LocalID returns the local party id.
func (m *Mesh) LocalID() int { return m.cfg.LocalID }

// Send delivers value to party to for the given round. Sending to the local
// party stores the value directly.
func (m *Mesh) Send(ctx context.Context, to int, round Round, value []byte) error {
	if round == RoundHello {
		return fmt.Errorf("peernet: round %d is reserved", RoundHello)
	}
	if m.isClosed() {
		return ErrClosed
	}
	if to == m.cfg.LocalID {
		return m.deliver(inboxKey{from: to, round: round}, value)
	}
	l, ok := m.links[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
		defer func() { _ = l.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := l.enc.Encode(Frame{Session: m.cfg.Session, From: m.cfg.LocalID, Round: round, Value: value}); err != nil {
		if m.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("peernet: send to %d: %w", to, err)
	}
	return nil
}

// Recv waits for the value party from sent for round.
func (m *Mesh) Recv(ctx context.Context, from int, round Round) ([]byte, error) {
	var dead chan struct{}
	if from != m.cfg.LocalID {
		l, ok := m.links[from]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, from)
		}
		dead = l.dead
	}
	ch := m.slot(inboxKey{from: from, round: round})
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrClosed
	case <-dead:
		// A frame may have landed just before the link died.
		select {
		case v := <-ch:
			return v, nil
		default:
		}
		return nil, m.links[from].err
	}
}

func (m *Mesh) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Close tears down every link and wakes all pending receivers. It is
// idempotent.
func (m *Mesh) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.closed)
		for _, l := range m.links {
			if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		m.wg.Wait()
	})
	return errors.Join(errs...)
}
