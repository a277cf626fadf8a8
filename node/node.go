package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/eth2030/tokenrelay/admission"
	"github.com/eth2030/tokenrelay/core/state"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/geth"
	"github.com/eth2030/tokenrelay/log"
	"github.com/eth2030/tokenrelay/metrics"
	"github.com/eth2030/tokenrelay/oracle"
	"github.com/eth2030/tokenrelay/relay"
	"github.com/eth2030/tokenrelay/replay"
	"github.com/eth2030/tokenrelay/rpc"
	"github.com/eth2030/tokenrelay/settlement"
)

const shutdownTimeout = 5 * time.Second

// Node is a relay service and the subsystems behind it.
type Node struct {
	config *Config
	root   *log.Logger
	log    *log.Logger

	metrics   *metrics.Registry
	host      *state.Host
	chain     *ethclient.Client
	oracle    *oracle.Oracle
	ledger    *settlement.Ledger
	registry  replay.Registry
	whitelist *admission.Whitelist
	pow       *admission.ProofOfWork
	relay     *relay.Controller

	rpcHandler *rpc.Server
	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a Node with the given configuration. It builds every
// subsystem but does not open the listener. A nil config selects
// DefaultConfig.
func New(ctx context.Context, config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, _ := log.ParseLevel(config.Log.Level)
	root := log.New(log.Options{Level: level, Format: log.Format(config.Log.Format)})
	n := &Node{
		config:  config,
		root:    root,
		log:     root.Module("node"),
		metrics: metrics.NewRegistry(),
		stop:    make(chan struct{}),
	}
	if err := n.init(ctx); err != nil {
		n.closeBackends()
		return nil, err
	}
	return n, nil
}

func (n *Node) init(ctx context.Context) error {
	cfg := n.config
	var (
		pool     oracle.Pool
		balances admission.BalanceReader
	)
	if cfg.Chain.RPCURL != "" {
		client, err := geth.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		n.chain = client
		pool = geth.NewPairReader(client, cfg.Chain.Pair)
		balances = geth.NewTokenReader(client, cfg.Pricing.FeeToken)
	} else {
		host, err := newDevHost(ctx, cfg)
		if err != nil {
			return err
		}
		n.host = host
		pool = host.Pool()
		balances = host.Token(cfg.Pricing.FeeToken, cfg.Pricing.Custody)
	}

	var quoter admission.Quoter
	if cfg.needsOracle() {
		orc, err := oracle.New(pool, oracle.Config{
			WrappedNative: cfg.Pricing.WrappedNative,
			FeeToken:      cfg.Pricing.FeeToken,
			Fee:           cfg.Pricing.Fee(),
		})
		if err != nil {
			return fmt.Errorf("init oracle: %w", err)
		}
		n.oracle = orc
		quoter = oracleQuoter{orc}
	}
	if cfg.Pricing.Sponsorship == SponsorshipToken {
		custody := cfg.Pricing.Custody
		ledger, err := settlement.New(settlement.Config{
			Self:          custody,
			FeeToken:      cfg.Pricing.FeeToken,
			WrappedNative: cfg.Pricing.WrappedNative,
			SwapDeadline:  cfg.Pricing.SwapDeadline,
		}, settlement.Deps{
			Quoter:    n.oracle,
			Token:     n.host.Token(cfg.Pricing.FeeToken, custody),
			Router:    n.host.Router(custody, cfg.Pricing.Fee()),
			Depositor: n.host.Depositor(custody),
			Atomic:    n.host,
			Logger:    n.root.Module("settlement"),
		})
		if err != nil {
			return fmt.Errorf("init ledger: %w", err)
		}
		n.ledger = ledger
		quoter = ledger
		balances = ledger
	}

	strategy, err := n.buildPolicy(ctx, balances, quoter)
	if err != nil {
		return err
	}
	opts := relay.Options{Logger: n.root.Module("relay"), Metrics: n.metrics}
	if n.ledger != nil {
		opts.Ledger = n.ledger
	}
	ctrl, err := relay.New(strategy, relay.Config{OverheadGas: cfg.Policy.OverheadGas, AcceptTTL: cfg.Policy.AcceptTTL}, opts)
	if err != nil {
		return err
	}
	n.relay = ctrl

	secret, err := jwtSecret(cfg.RPC)
	if err != nil {
		return err
	}
	admin := rpc.Admin{Whitelist: n.whitelist, ProofOfWork: n.pow}
	if n.ledger != nil {
		admin.Ledger = n.ledger
	}
	n.rpcHandler = rpc.NewServer(ctrl, admin, rpc.Config{
		JWTSecret:    secret,
		RateLimit:    cfg.RPC.RateLimit,
		Burst:        cfg.RPC.Burst,
		CORSOrigins:  cfg.RPC.CORSOrigins,
		MaxBodyBytes: cfg.RPC.MaxBodyBytes,
	}, rpc.Options{Logger: n.root.Module("rpc"), Metrics: n.metrics})
	return nil
}

// buildPolicy creates the configured strategies in order and combines them.
func (n *Node) buildPolicy(ctx context.Context, balances admission.BalanceReader, quoter admission.Quoter) (admission.Strategy, error) {
	policy := n.config.Policy
	var members []admission.Strategy
	for _, name := range policy.Strategies {
		switch name {
		case admission.NameWhitelist:
			w := admission.NewWhitelist()
			w.AddSender(policy.Senders...)
			w.AddTarget(policy.Targets...)
			w.SetSenderWhitelistEnabled(policy.SenderWhitelist)
			w.SetTargetWhitelistEnabled(policy.TargetWhitelist)
			n.whitelist = w
			members = append(members, w)
		case admission.NameTokenBalance:
			// The budget must match what PreSettle reserves, including
			// overhead changed at runtime.
			cost := func(req *types.RelayRequest) *big.Int { return n.relay.MaxNativeCost(req) }
			members = append(members, admission.NewTokenBalance(balances, quoter, cost))
		case admission.NameProofOfWork:
			registry, err := openRegistry(ctx, n.config.Replay)
			if err != nil {
				return nil, err
			}
			n.registry = registry
			pow, err := admission.NewProofOfWork(registry, policy.Difficulty)
			if err != nil {
				return nil, err
			}
			n.pow = pow
			members = append(members, pow)
		}
	}
	if len(members) == 1 {
		return members[0], nil
	}
	return admission.NewAll(members...), nil
}

func openRegistry(ctx context.Context, cfg ReplayConfig) (replay.Registry, error) {
	switch cfg.Backend {
	case ReplaySQLite:
		r, err := replay.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open replay registry: %w", err)
		}
		return r, nil
	case ReplayRedis:
		r, err := replay.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open replay registry: %w", err)
		}
		return r, nil
	}
	return replay.NewMemoryRegistry(), nil
}

// newDevHost builds the simulated host from the dev section.
func newDevHost(ctx context.Context, cfg *Config) (*state.Host, error) {
	p := cfg.Pricing
	host := state.NewHost(p.WrappedNative, p.FeeToken)
	if bytesLess(p.FeeToken, p.WrappedNative) {
		host.SetPoolOrder(p.FeeToken, p.WrappedNative)
	}
	host.SetReserves(cfg.Dev.NativeReserve.Big(), cfg.Dev.TokenReserve.Big())
	for _, acct := range cfg.Dev.Accounts {
		tokens := acct.Tokens.Big()
		host.Mint(p.FeeToken, acct.Address, tokens)
		if err := host.Approve(p.FeeToken, acct.Address, p.Custody, tokens); err != nil {
			return nil, fmt.Errorf("seed dev account %s: %w", acct.Address, err)
		}
	}
	if deposit := cfg.Dev.Deposit.Big(); deposit.Sign() > 0 {
		host.FundNative(p.Custody, deposit)
		if err := host.Depositor(p.Custody).DepositFor(ctx, p.Custody, deposit); err != nil {
			return nil, fmt.Errorf("seed deposit: %w", err)
		}
	}
	return host, nil
}

func bytesLess(a, b types.Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// oracleQuoter prices straight off the pool when there is no ledger.
type oracleQuoter struct{ o *oracle.Oracle }

func (q oracleQuoter) Quote(ctx context.Context, nativeCost *big.Int) (*big.Int, error) {
	return q.o.TokenForNative(ctx, nativeCost)
}

func jwtSecret(cfg RPCConfig) ([]byte, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), nil
	}
	if cfg.JWTSecretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.JWTSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read jwt secret: %w", err)
	}
	text := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	secret, err := hex.DecodeString(text)
	if err != nil || len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret file %s: expected hex-encoded key", cfg.JWTSecretFile)
	}
	return secret, nil
}

// Handler returns the node's HTTP routes: JSON-RPC on "/", plus the
// health probe and, when enabled, the metrics endpoint.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", n.rpcHandler.Handler())
	mux.HandleFunc("/health", n.serveHealth)
	if n.config.Metrics.Enabled {
		mux.Handle(n.config.Metrics.Path, n.metrics.Handler())
	}
	return mux
}

func (n *Node) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"strategy": n.relay.Strategy().Name(),
		"pending":  len(n.relay.Pending()),
		"sessions": n.relay.Sessions(),
	})
}

// Start opens the listener and serves in the background.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}
	ln, err := net.Listen("tcp", n.config.RPCAddr())
	if err != nil {
		return fmt.Errorf("start rpc: %w", err)
	}
	n.listener = ln
	n.httpServer = &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("rpc server failed", "err", err)
		}
	}()
	n.running = true
	n.log.Info("relay started",
		"addr", ln.Addr().String(),
		"strategy", n.relay.Strategy().Name(),
		"sponsorship", n.config.Pricing.Sponsorship,
		"chain", n.chain != nil,
	)
	return nil
}

// Stop shuts the server down and releases the backends. Sessions still
// awaiting PostSettle are logged; they are lost with the process.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.log.Info("stopping relay")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.log.Warn("rpc server shutdown", "err", err)
	}
	for _, p := range n.relay.Pending() {
		n.log.Warn("session left unsettled", "session", p.ID, "payer", p.Payer, "precharge", p.Precharge.TokenAmount)
	}
	n.closeBackends()

	n.running = false
	close(n.stop)
	return nil
}

func (n *Node) closeBackends() {
	if n.registry != nil {
		if err := n.registry.Close(); err != nil {
			n.log.Warn("replay registry close", "err", err)
		}
	}
	if n.chain != nil {
		n.chain.Close()
	}
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Config returns the node configuration.
func (n *Node) Config() *Config { return n.config }

// Relay returns the lifecycle controller.
func (n *Node) Relay() *relay.Controller { return n.relay }

// Host returns the simulated host, or nil in chain mode.
func (n *Node) Host() *state.Host { return n.host }

// Ledger returns the settlement ledger, or nil under native sponsorship.
func (n *Node) Ledger() *settlement.Ledger { return n.ledger }

// Metrics returns the node's metric registry.
func (n *Node) Metrics() *metrics.Registry { return n.metrics }

// Addr returns the listen address once started.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
