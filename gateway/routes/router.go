package routes

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-chi/chi/v5"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/gateway/middleware"
	"btcbridge/native/bridge"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/records"
	"btcbridge/native/vault"
)

// AdminScope authorises operator routes.
const AdminScope = "bridge:admin"

// Rate limit groups.
const (
	LimitSubmit = "submit"
	LimitQuery  = "query"
	LimitVault  = "vault"
)

// Backend is the bridge node the gateway serves.
type Backend interface {
	SubmitHeader(raw []byte, submitter string) error
	BestChain() (headers.Pointer, error)
	Header(hash chainhash.Hash) (*headers.Entry, bool, error)

	SubmitTransaction(raw, prevRaw, proof []byte) (*bridge.Receipt, error)
	TxState(txid chainhash.Hash) (*bridge.TxState, bool, error)
	Bind(btcAddress string, account detector.Account) (int, error)
	PendingDeposits(btcAddress string) ([]bridge.PendingDeposit, error)
	TrusteeSession() (*bridge.TrusteeSession, error)
	SetTrusteeSession(session bridge.TrusteeSession) error
	Proposal() (*bridge.WithdrawalProposal, error)
	ProposeWithdrawal(trustee crypto.Address, rawTx []byte, ids []uint32) (*bridge.WithdrawalProposal, error)
	SignWithdrawal(trustee crypto.Address, approve bool) (*bridge.WithdrawalProposal, error)
	DropWithdrawalProposal() error

	ApplyWithdrawal(account crypto.Address, amount uint64, btcAddress string) (uint32, error)
	CancelWithdrawal(id uint32, account crypto.Address) error
	Withdrawals() ([]*records.WithdrawalRecord, error)
	Balance(account crypto.Address, asset string) (*big.Int, *big.Int, error)
	Mint(account crypto.Address, asset string, amount *big.Int) error

	UpdateExchangeRate(q vault.Quote) (*vault.Rate, error)
	ExchangeRate() (*vault.Rate, error)
	RegisterVault(account crypto.Address, collateral *big.Int, wallet string) (*vault.Vault, error)
	AddCollateral(account crypto.Address, amount *big.Int) (*vault.Vault, error)
	Vault(account crypto.Address) (*vault.Vault, bool, error)
	Vaults() ([]*vault.Vault, error)
	RequestIssue(requester, vaultAccount crypto.Address, amount uint64, griefing *big.Int) (*vault.IssueRequest, error)
	ExecuteIssue(id uint64, rawTx, proof []byte) (*vault.IssueRequest, error)
	CancelIssue(id uint64) (*vault.IssueRequest, error)
	IssueRequest(id uint64) (*vault.IssueRequest, bool, error)
	RequestRedeem(requester, vaultAccount crypto.Address, amount uint64, btcAddress string) (*vault.RedeemRequest, error)
	ExecuteRedeem(id uint64, rawTx, proof []byte) (*vault.RedeemRequest, error)
	CancelRedeem(id uint64, requester crypto.Address, reimburse bool) (*vault.RedeemRequest, error)
	RedeemRequest(id uint64) (*vault.RedeemRequest, bool, error)
}

type Config struct {
	Backend       Backend
	Network       bitcoin.Network
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	HealthHandler http.Handler
}

type api struct {
	node    Backend
	network bitcoin.Network
}

// New assembles the bridge HTTP API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("gateway: backend required")
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{})
	}
	a := &api{node: cfg.Backend, network: cfg.Network}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	health := cfg.HealthHandler
	if health == nil {
		health = http.HandlerFunc(a.health)
	}
	r.Handle("/healthz", health)
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	group := func(sr chi.Router, name, limit string) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(limit))
		}
		if obs != nil {
			sr.Use(obs.Middleware(name))
		}
	}

	r.Route("/v1", func(v1 chi.Router) {
		// Header and transaction submissions are validated by the engines
		// and stay open to any relayer.
		v1.Group(func(sr chi.Router) {
			group(sr, "submit", LimitSubmit)
			sr.Post("/headers", a.submitHeader)
			sr.Post("/transactions", a.submitTransaction)
			sr.Post("/oracle/rate", a.updateRate)
		})
		v1.Group(func(sr chi.Router) {
			group(sr, "query", LimitQuery)
			sr.Get("/chain/best", a.bestChain)
			sr.Get("/chain/headers/{hash}", a.header)
			sr.Get("/transactions/{txid}", a.txState)
			sr.Get("/deposits/pending/{address}", a.pendingDeposits)
			sr.Get("/withdrawals", a.listWithdrawals)
			sr.Get("/withdrawals/proposal", a.proposal)
			sr.Get("/trustees/session", a.session)
			sr.Get("/accounts/{account}/balances/{asset}", a.balance)
			sr.Get("/oracle/rate", a.rate)
			sr.Get("/vaults", a.listVaults)
			sr.Get("/vaults/{account}", a.vault)
			sr.Get("/issues/{id}", a.issue)
			sr.Get("/redeems/{id}", a.redeem)
		})
		v1.Group(func(sr chi.Router) {
			group(sr, "account", LimitSubmit)
			sr.Use(auth.Middleware())
			sr.Post("/withdrawals", a.applyWithdrawal)
			sr.Delete("/withdrawals/{id}", a.cancelWithdrawal)
			sr.Post("/withdrawals/proposal", a.proposeWithdrawal)
			sr.Post("/withdrawals/proposal/votes", a.signWithdrawal)
		})
		v1.Group(func(sr chi.Router) {
			group(sr, "vault", LimitVault)
			sr.Use(auth.Middleware())
			sr.Post("/vaults", a.registerVault)
			sr.Post("/vaults/collateral", a.addCollateral)
			sr.Post("/issues", a.requestIssue)
			sr.Post("/issues/{id}/execute", a.executeIssue)
			sr.Post("/issues/{id}/cancel", a.cancelIssue)
			sr.Post("/redeems", a.requestRedeem)
			sr.Post("/redeems/{id}/execute", a.executeRedeem)
			sr.Post("/redeems/{id}/cancel", a.cancelRedeem)
		})
		v1.Group(func(sr chi.Router) {
			group(sr, "admin", LimitSubmit)
			sr.Use(auth.Middleware(AdminScope))
			sr.Post("/bindings", a.bind)
			sr.Delete("/withdrawals/proposal", a.dropProposal)
			sr.Put("/trustees/session", a.setSession)
			sr.Post("/mint", a.mint)
		})
	})
	return r, nil
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	best, err := a.node.BestChain()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "height": best.Height})
}

// caller resolves the authenticated account.
func caller(r *http.Request) (crypto.Address, error) {
	subject, ok := middleware.Subject(r.Context())
	if !ok {
		return crypto.Address{}, errUnauthenticated
	}
	return crypto.DecodeAddress(subject)
}
