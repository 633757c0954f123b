// Package bridge connects one client to one child process with two
// independent pumps, re-framing messages in both directions and normalizing
// tool schemas on the way back to the client.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mcpguard/mcpbridge/internal/detection"
	"github.com/mcpguard/mcpbridge/internal/framing"
	"github.com/mcpguard/mcpbridge/internal/logx"
	"github.com/mcpguard/mcpbridge/internal/metrics"
	"github.com/mcpguard/mcpbridge/internal/readiness"
	"github.com/mcpguard/mcpbridge/internal/schema"
)

// DefaultShutdownGrace bounds how long Run waits for the child-side pump
// after the child has been killed.
const DefaultShutdownGrace = 2 * time.Second

// Process is the child the bridge owns. supervisor.Child implements it.
type Process interface {
	Start(ctx context.Context) error
	Stdin() io.Writer
	Stdout() io.Reader
	StderrLines() <-chan string
	PID() int
	Done() <-chan struct{}
	Kill() error
}

// Auditor inspects client messages before they reach the child.
type Auditor interface {
	Scan(payload []byte) []detection.Finding
}

// Dialer opens the socket to a child that listens on TCP.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Transport int

const (
	TransportStdio Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "stdio"
}

type Config struct {
	// ClientFraming is the framing spoken on the client side.
	ClientFraming framing.Mode
	// ChildTransport selects pipes or a TCP socket announced by the child.
	ChildTransport Transport
	// ChildRaw copies bytes to and from the child untouched instead of
	// re-framing them as JSON lines.
	ChildRaw        bool
	MaxMessageBytes int
	ShutdownGrace   time.Duration
}

// Client is the upstream peer, normally the proxy's own stdin and stdout.
type Client struct {
	In  io.Reader
	Out io.Writer
}

type Option func(*Bridge)

// WithRewriter replaces the default schema rewriter.
func WithRewriter(rw *schema.Rewriter) Option {
	return func(b *Bridge) { b.rewriter = rw }
}

// WithProbe sets the readiness probe. TCP children get a PortProbe by
// default; stdio children are only probed when one is given.
func WithProbe(p readiness.Probe) Option {
	return func(b *Bridge) { b.probe = p }
}

func WithAuditor(a Auditor) Option {
	return func(b *Bridge) { b.auditor = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func WithDialer(d Dialer) Option {
	return func(b *Bridge) { b.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// OnStateChange registers fn to be called on every transition. fn may be
// called from any goroutine.
func OnStateChange(fn func(State)) Option {
	return func(b *Bridge) { b.onState = fn }
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State       string    `json:"state"`
	ChildPID    int       `json:"child_pid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Inbound     int64     `json:"inbound_messages"`
	Outbound    int64     `json:"outbound_messages"`
	Dropped     int64     `json:"dropped_messages"`
	Rewritten   int64     `json:"schemas_rewritten"`
	Secrets     int64     `json:"secret_findings"`
	ChildFacing string    `json:"child_transport"`
}

type Bridge struct {
	cfg    Config
	proc   Process
	client Client

	rewriter *schema.Rewriter
	probe    readiness.Probe
	auditor  Auditor
	metrics  *metrics.Metrics
	dialer   Dialer
	log      zerolog.Logger
	onState  func(State)

	childIn  io.Writer
	childOut io.Reader
	conn     net.Conn

	state     atomic.Int32
	running   atomic.Bool
	startedAt time.Time
	childPID  atomic.Int64
	drainOnce sync.Once
	draining  chan struct{}

	inbound   atomic.Int64
	outbound  atomic.Int64
	dropped   atomic.Int64
	rewritten atomic.Int64
	secrets   atomic.Int64
}

func New(cfg Config, proc Process, client Client, opts ...Option) *Bridge {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = framing.DefaultMaxMessageBytes
	}
	b := &Bridge{
		cfg:       cfg,
		proc:      proc,
		client:    client,
		log:       logx.Log,
		startedAt: time.Now(),
		draining:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.rewriter == nil {
		b.rewriter = schema.NewRewriter(nil)
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	if b.dialer == nil {
		b.dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	if b.probe == nil && cfg.ChildTransport == TransportTCP {
		b.probe = readiness.NewPortProbe()
	}
	b.log = b.log.With().Str("component", "bridge").Logger()
	return b
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) Status() Status {
	return Status{
		State:       b.State().String(),
		ChildPID:    int(b.childPID.Load()),
		StartedAt:   b.startedAt,
		Inbound:     b.inbound.Load(),
		Outbound:    b.outbound.Load(),
		Dropped:     b.dropped.Load(),
		Rewritten:   b.rewritten.Load(),
		Secrets:     b.secrets.Load(),
		ChildFacing: b.cfg.ChildTransport.String(),
	}
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.SetState(s.String(), stateNames)
	if b.onState != nil {
		b.onState(s)
	}
}

// Run starts the child, pumps messages until either side closes or ctx is
// cancelled, and kills the child on the way out. It returns a
// *StartupError when the child never became usable and nil for every
// orderly stop, including transport failures after startup.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	b.setState(StateStarting)

	if err := b.start(ctx); err != nil {
		b.log.Error().Err(err).Msg("startup failed")
		b.shutdown("startup failed")
		b.setState(StateStopped)
		return err
	}
	b.setState(StateRunning)
	b.log.Info().
		Str("client_framing", b.cfg.ClientFraming.String()).
		Str("child_transport", b.cfg.ChildTransport.String()).
		Bool("child_raw", b.cfg.ChildRaw).
		Msg("bridge running")

	childSideDone := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer b.shutdown("client stream ended")
		return b.report(b.pumpInbound())
	})
	g.Go(func() error {
		defer close(childSideDone)
		defer b.shutdown("child stream ended")
		return b.report(b.pumpOutbound())
	})
	pumps := make(chan error, 1)
	go func() { pumps <- g.Wait() }()

	select {
	case <-b.draining:
	case <-ctx.Done():
		b.shutdown("context cancelled")
	case <-b.proc.Done():
		b.shutdown("child exited")
	}

	// The client-side read may stay blocked on a stream nobody will close;
	// only the child side is guaranteed to unblock once the child is dead.
	grace := time.NewTimer(b.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case err := <-pumps:
		if err != nil {
			b.log.Debug().Err(err).Msg("pumps stopped")
		}
	case <-childSideDone:
	case <-grace.C:
		b.log.Warn().Dur("grace", b.cfg.ShutdownGrace).Msg("child-side pump still blocked after shutdown")
	}

	b.setState(StateStopped)
	b.log.Info().Msg("bridge stopped")
	return nil
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.proc.Start(ctx); err != nil {
		return &StartupError{Stage: StageSpawn, Err: err}
	}
	b.childPID.Store(int64(b.proc.PID()))
	b.log = b.log.With().Int("child_pid", b.proc.PID()).Logger()

	var addr string
	if b.probe != nil {
		a, err := b.probe.Await(ctx, b.proc.StderrLines())
		if err != nil {
			return &StartupError{Stage: StageReadiness, Err: err}
		}
		addr = a
	}

	switch b.cfg.ChildTransport {
	case TransportTCP:
		conn, err := b.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return &StartupError{Stage: StageConnect, Err: err}
		}
		b.log.Info().Str("addr", addr).Msg("connected to child")
		b.conn = conn
		b.childIn, b.childOut = conn, conn
	default:
		in, out := b.proc.Stdin(), b.proc.Stdout()
		if in == nil || out == nil {
			return &StartupError{Stage: StageSpawn, Err: errors.New("child has no stdio pipes")}
		}
		b.childIn, b.childOut = in, out
	}
	return nil
}

// shutdown moves the bridge to draining and kills the child. Only the first
// call has any effect.
func (b *Bridge) shutdown(reason string) {
	b.drainOnce.Do(func() {
		b.setState(StateDraining)
		b.log.Info().Str("reason", reason).Msg("draining")

		if err := b.proc.Kill(); err != nil {
			b.log.Debug().Err(err).Msg("kill child")
		}
		b.metrics.ChildKilled()
		if b.conn != nil {
			_ = b.conn.Close()
		}
		close(b.draining)
	})
}

// report logs how a pump ended and passes the error through.
func (b *Bridge) report(err error) error {
	var te *TransportError
	switch {
	case err == nil:
	case errors.As(err, &te) && b.State() >= StateDraining:
		// expected once the peer has been torn down
		b.log.Debug().Err(err).Msg("pump stopped during shutdown")
	default:
		b.log.Warn().Err(err).Msg("pump failed")
	}
	return err
}
