package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/tokenrelay/admission"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/relay"
	"github.com/eth2030/tokenrelay/replay"
	"github.com/eth2030/tokenrelay/rpc"
)

var (
	weth    = types.HexToAddress("0xe7a0000000000000000000000000000000000001")
	feeTok  = types.HexToAddress("0x70c1000000000000000000000000000000000002")
	custody = types.HexToAddress("0x5e1f000000000000000000000000000000000003")
	alice   = types.HexToAddress("0xa11ce00000000000000000000000000000000004")
	target  = types.HexToAddress("0x7a67000000000000000000000000000000000006")

	operatorSecret = "0123456789abcdef0123456789abcdef"
)

// tokenConfig describes a token-sponsored dev node over a 1:2 pool without
// fee, alice holding 10000 approved fee tokens.
func tokenConfig() *Config {
	c := DefaultConfig()
	c.RPC.Port = 0
	c.RPC.JWTSecret = operatorSecret
	c.Log.Level = "error"
	c.Pricing = PricingConfig{
		Sponsorship:    SponsorshipToken,
		WrappedNative:  weth,
		FeeToken:       feeTok,
		Custody:        custody,
		FeeNumerator:   1000,
		FeeDenominator: 1000,
	}
	c.Policy.Strategies = []string{admission.NameWhitelist, admission.NameTokenBalance}
	c.Policy.OverheadGas = 100
	c.Dev = DevConfig{
		NativeReserve: NewAmount(big.NewInt(1_000_000)),
		TokenReserve:  NewAmount(big.NewInt(2_000_000)),
		Accounts:      []DevAccount{{Address: alice, Tokens: NewAmount(big.NewInt(10_000))}},
	}
	return &c
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8645, cfg.RPC.Port)
	assert.Equal(t, SponsorshipNative, cfg.Pricing.Sponsorship)
	assert.Equal(t, []string{admission.NameWhitelist}, cfg.Policy.Strategies)
	assert.Equal(t, "127.0.0.1:8645", cfg.RPCAddr())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, relay.DefaultAcceptTTL, cfg.Policy.AcceptTTL)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"valid token mode", func(c *Config) { *c = *tokenConfig() }, false},
		{"bad port", func(c *Config) { c.RPC.Port = 70000 }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"both jwt sources", func(c *Config) { c.RPC.JWTSecret = "k"; c.RPC.JWTSecretFile = "f" }, true},
		{"no strategies", func(c *Config) { c.Policy.Strategies = nil }, true},
		{"unknown strategy", func(c *Config) { c.Policy.Strategies = []string{"captcha"} }, true},
		{"duplicate strategy", func(c *Config) { c.Policy.Strategies = []string{"whitelist", "whitelist"} }, true},
		{"pow not last", func(c *Config) { c.Policy.Strategies = []string{"pow", "whitelist"} }, true},
		{"pow last", func(c *Config) { c.Policy.Strategies = []string{"whitelist", "pow"} }, false},
		{"difficulty too high", func(c *Config) { c.Policy.Difficulty = 257 }, true},
		{"negative accept ttl", func(c *Config) { c.Policy.AcceptTTL = -time.Second }, true},
		{"sqlite without path", func(c *Config) {
			c.Policy.Strategies = []string{"pow"}
			c.Replay.Backend = ReplaySQLite
		}, true},
		{"redis without addr", func(c *Config) {
			c.Policy.Strategies = []string{"pow"}
			c.Replay.Backend = ReplayRedis
		}, true},
		{"unknown backend ignored without pow", func(c *Config) { c.Replay.Backend = "etcd" }, false},
		{"token mode without custody", func(c *Config) {
			*c = *tokenConfig()
			c.Pricing.Custody = types.Address{}
		}, true},
		{"token balance without fee token", func(c *Config) { c.Policy.Strategies = []string{"token-balance"} }, true},
		{"same token twice", func(c *Config) {
			*c = *tokenConfig()
			c.Pricing.FeeToken = weth
		}, true},
		{"bad fee", func(c *Config) {
			*c = *tokenConfig()
			c.Pricing.FeeNumerator = 1001
		}, true},
		{"chain without pair", func(c *Config) { c.Chain.RPCURL = "http://127.0.0.1:8545" }, true},
		{"chain with token sponsorship", func(c *Config) {
			*c = *tokenConfig()
			c.Chain = ChainConfig{RPCURL: "http://127.0.0.1:8545", Pair: target}
		}, true},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc:
  port: 9000
policy:
  strategies: [whitelist, pow]
  difficulty: 8
  senders:
    - "0xa11ce00000000000000000000000000000000004"
dev:
  token_reserve: 0x1e8480
`), 0o600))
	t.Setenv("TOKENRELAY_RPC_PORT", "9100")
	t.Setenv("TOKENRELAY_POLICY_DIFFICULTY", "12")
	t.Setenv("TOKENRELAY_RPC_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.RPC.Port)
	assert.EqualValues(t, 12, cfg.Policy.Difficulty)
	assert.Equal(t, []string{"whitelist", "pow"}, cfg.Policy.Strategies)
	assert.Equal(t, []types.Address{alice}, cfg.Policy.Senders)
	assert.EqualValues(t, 2_000_000, cfg.Dev.TokenReserve.Big().Int64())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.RPC.CORSOrigins)
	// untouched defaults survive
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("rpc:\n  prot: 1\n"), 0o600))
	_, err = LoadConfig(unknown)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("policy:\n  strategies: [pow, whitelist]\n"), 0o600))
	_, err = LoadConfig(invalid)
	assert.Error(t, err)

	t.Setenv("TOKENRELAY_RPC_PORT", "not-a-port")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestAmount(t *testing.T) {
	var a Amount
	assert.Zero(t, a.Big().Sign())
	require.NoError(t, a.UnmarshalText([]byte("0x10")))
	assert.EqualValues(t, 16, a.Big().Int64())
	require.NoError(t, a.UnmarshalText([]byte("1000000")))
	assert.EqualValues(t, 1_000_000, a.Big().Int64())
	assert.Error(t, a.UnmarshalText([]byte("-1")))
	assert.Error(t, a.UnmarshalText([]byte("ten")))
}

type client struct {
	t     *testing.T
	url   string
	token string
}

func operatorToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "dispatcher",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	s, err := tok.SignedString([]byte(operatorSecret))
	require.NoError(t, err)
	return s
}

func (c *client) call(method string, params ...interface{}) json.RawMessage {
	c.t.Helper()
	body, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(c.t, err)
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpc.RPCError   `json:"error"`
	}
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(c.t, out.Error, "%s failed", method)
	return out.Result
}

func (c *client) get(path string) string {
	c.t.Helper()
	resp, err := http.Get(c.url + path)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return string(b)
}

func TestNode_TokenSponsoredLifecycle(t *testing.T) {
	n, err := New(context.Background(), tokenConfig())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Stop()
	require.True(t, n.Running())
	assert.Error(t, n.Start())

	c := &client{t: t, url: "http://" + n.Addr(), token: operatorToken(t)}
	args := map[string]interface{}{
		"from":     alice.Hex(),
		"to":       target.Hex(),
		"nonce":    "0x0",
		"gas":      "0x3e8",
		"gasPrice": "0x1",
	}

	var quote rpc.ChargeResult
	require.NoError(t, json.Unmarshal(c.call("relay_quote", args), &quote))
	// (1000+100) native against the 1:2 pool
	assert.EqualValues(t, 2203, quote.TokenAmount.ToInt().Int64())

	var admitted rpc.AdmitResult
	require.NoError(t, json.Unmarshal(c.call("relay_admit", args), &admitted))
	assert.EqualValues(t, 10_000-2203, n.Host().TokenBalance(feeTok, alice).Int64())
	assert.Contains(t, c.get("/health"), `"pending":1`)

	var pending []rpc.PendingResult
	require.NoError(t, json.Unmarshal(c.call("relay_pending"), &pending))
	require.Len(t, pending, 1)

	var receipt rpc.ReceiptResult
	// 500 spent + 100 overhead = 600 native, 1201 tokens
	require.NoError(t, json.Unmarshal(c.call("relay_postSettle", admitted.SettlementContext, hexutil.EncodeBig(big.NewInt(500))), &receipt))
	assert.EqualValues(t, 1201, receipt.Postcharge.TokenAmount.ToInt().Int64())
	assert.EqualValues(t, 1002, receipt.Refund.ToInt().Int64())
	assert.EqualValues(t, 10_000-1201, n.Host().TokenBalance(feeTok, alice).Int64())

	dep, err := n.Ledger().Deposit(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 600, dep.Int64())

	health := c.get("/health")
	assert.Contains(t, health, `"pending":0`)
	assert.Contains(t, health, `"sessions":0`)
	assert.Contains(t, c.get("/metrics"), "relay_decisions_total")

	require.NoError(t, n.Stop())
	assert.False(t, n.Running())
	n.Wait()
}

func TestNode_ProofOfWorkWithSQLiteReplay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "error"
	cfg.Policy.Strategies = []string{admission.NameProofOfWork}
	cfg.Policy.Difficulty = 4
	cfg.Replay.Backend = ReplaySQLite
	cfg.Replay.SQLitePath = filepath.Join(t.TempDir(), "replay.db")

	ctx := context.Background()
	n, err := New(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(n.closeBackends)

	req := &types.RelayRequest{From: alice, To: target, GasLimit: 1000, GasPrice: big.NewInt(1)}
	proof, err := admission.Solve(ctx, req, 4, 0)
	require.NoError(t, err)
	req.AdmissionData = proof

	_, _, err = n.Relay().Admit(ctx, req)
	require.NoError(t, err)
	_, _, err = n.Relay().Admit(ctx, req)
	assert.ErrorIs(t, err, admission.ErrProofAlreadyUsed)

	found, err := n.registry.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
}

func TestNode_ProofOfWorkWithRedisReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Log.Level = "error"
	cfg.Policy.Strategies = []string{admission.NameProofOfWork}
	cfg.Policy.Difficulty = 4
	cfg.Replay.Backend = ReplayRedis
	cfg.Replay.RedisAddr = mr.Addr()

	ctx := context.Background()
	n, err := New(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(n.closeBackends)

	req := &types.RelayRequest{From: alice, To: target, GasLimit: 1000, GasPrice: big.NewInt(1)}
	proof, err := admission.Solve(ctx, req, 4, 0)
	require.NoError(t, err)
	req.AdmissionData = proof

	_, _, err = n.Relay().Admit(ctx, req)
	require.NoError(t, err)
	_, _, err = n.Relay().Admit(ctx, req)
	assert.ErrorIs(t, err, admission.ErrProofAlreadyUsed)
	assert.True(t, mr.Exists(replay.DefaultRedisPrefix+types.BytesToHash(proof[32:]).Hex()))
}

func TestNode_ChainDialFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "error"
	cfg.Chain = ChainConfig{RPCURL: "ftp://127.0.0.1", Pair: target}
	_, err := New(context.Background(), &cfg)
	assert.Error(t, err)
}

func TestJWTSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.hex")
	require.NoError(t, os.WriteFile(path, []byte("0x00ff10\n"), 0o600))

	secret, err := jwtSecret(RPCConfig{JWTSecretFile: path})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, secret)

	secret, err = jwtSecret(RPCConfig{JWTSecret: "plain"})
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), secret)

	secret, err = jwtSecret(RPCConfig{})
	require.NoError(t, err)
	assert.Nil(t, secret)

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0o600))
	_, err = jwtSecret(RPCConfig{JWTSecretFile: path})
	assert.Error(t, err)
}

func TestNode_DevPoolOrdering(t *testing.T) {
	// fee token sorts below wrapped native, so it is token0 on the pool
	n, err := New(context.Background(), tokenConfig())
	require.NoError(t, err)
	t0, err := n.Host().Pool().Token0(context.Background())
	require.NoError(t, err)
	assert.Equal(t, feeTok, t0)
	r0, r1, err := n.Host().Pool().GetReserves(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(2_000_000, 1_000_000), fmt.Sprint(r0, r1))
}
