package routes

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"btcbridge/crypto"
	"btcbridge/native/vault"
)

type quoteRequest struct {
	Price     uint64 `json:"price"`
	Decimals  uint8  `json:"decimals"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type rateView struct {
	Price     uint64 `json:"price"`
	Decimals  uint8  `json:"decimals"`
	Timestamp int64  `json:"timestamp"`
	Oracle    string `json:"oracle"`
}

type vaultView struct {
	Account      string `json:"account"`
	Wallet       string `json:"wallet"`
	Collateral   string `json:"collateral"`
	ToBeIssued   uint64 `json:"toBeIssued"`
	Issued       uint64 `json:"issued"`
	ToBeRedeemed uint64 `json:"toBeRedeemed"`
	Status       string `json:"status"`
}

type issueView struct {
	ID         uint64 `json:"id"`
	Requester  string `json:"requester"`
	Vault      string `json:"vault"`
	Amount     uint64 `json:"amount"`
	Griefing   string `json:"griefing"`
	BtcAddress string `json:"btcAddress"`
	OpenHeight uint64 `json:"openHeight"`
	Status     string `json:"status"`
	TxID       string `json:"txid,omitempty"`
}

type redeemView struct {
	ID         uint64 `json:"id"`
	Requester  string `json:"requester"`
	Vault      string `json:"vault"`
	Amount     uint64 `json:"amount"`
	BtcAddress string `json:"btcAddress"`
	OpenHeight uint64 `json:"openHeight"`
	Status     string `json:"status"`
	Reimburse  bool   `json:"reimburse"`
	TxID       string `json:"txid,omitempty"`
}

type registerVaultRequest struct {
	Collateral string `json:"collateral"`
	Wallet     string `json:"wallet"`
}

type collateralRequest struct {
	Amount string `json:"amount"`
}

type issueRequest struct {
	Vault    string `json:"vault"`
	Amount   uint64 `json:"amount"`
	Griefing string `json:"griefing"`
}

type redeemRequest struct {
	Vault   string `json:"vault"`
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

type paymentRequest struct {
	Tx    string `json:"tx"`
	Proof string `json:"proof"`
}

type cancelRedeemRequest struct {
	Reimburse bool `json:"reimburse"`
}

func rateJSON(r *vault.Rate) rateView {
	return rateView{
		Price:     r.Price.Price,
		Decimals:  r.Price.Decimals,
		Timestamp: r.Timestamp,
		Oracle:    r.Oracle.String(),
	}
}

func vaultJSON(v *vault.Vault) vaultView {
	return vaultView{
		Account:      v.Account.String(),
		Wallet:       v.Wallet,
		Collateral:   v.Collateral.String(),
		ToBeIssued:   v.ToBeIssued,
		Issued:       v.Issued,
		ToBeRedeemed: v.ToBeRedeemed,
		Status:       v.Status.String(),
	}
}

func issueJSON(r *vault.IssueRequest) issueView {
	view := issueView{
		ID:         r.ID,
		Requester:  r.Requester.String(),
		Vault:      r.Vault.String(),
		Amount:     r.Amount,
		Griefing:   r.Griefing.String(),
		BtcAddress: r.BtcAddress,
		OpenHeight: r.OpenHeight,
		Status:     r.Status.String(),
	}
	if r.Status == vault.RequestExecuted {
		view.TxID = r.TxID.String()
	}
	return view
}

func redeemJSON(r *vault.RedeemRequest) redeemView {
	view := redeemView{
		ID:         r.ID,
		Requester:  r.Requester.String(),
		Vault:      r.Vault.String(),
		Amount:     r.Amount,
		BtcAddress: r.BtcAddress,
		OpenHeight: r.OpenHeight,
		Status:     r.Status.String(),
		Reimburse:  r.Reimburse,
	}
	if r.Status == vault.RequestExecuted {
		view.TxID = r.TxID.String()
	}
	return view
}

func idParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id: %w", err)
	}
	return id, nil
}

func (a *api) updateRate(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sig, err := decodeHex("signature", req.Signature)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	rate, err := a.node.UpdateExchangeRate(vault.Quote{
		Price:     req.Price,
		Decimals:  req.Decimals,
		Timestamp: req.Timestamp,
		Signature: sig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateJSON(rate))
}

func (a *api) rate(w http.ResponseWriter, r *http.Request) {
	rate, err := a.node.ExchangeRate()
	if err != nil {
		writeError(w, err)
		return
	}
	if rate == nil {
		writeError(w, vault.ErrNoExchangeRate)
		return
	}
	writeJSON(w, http.StatusOK, rateJSON(rate))
}

func (a *api) registerVault(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req registerVaultRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	collateral, err := parseAmount(req.Collateral)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	v, err := a.node.RegisterVault(account, collateral, strings.TrimSpace(req.Wallet))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vaultJSON(v))
}

func (a *api) addCollateral(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req collateralRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	v, err := a.node.AddCollateral(account, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultJSON(v))
}

func (a *api) listVaults(w http.ResponseWriter, r *http.Request) {
	list, err := a.node.Vaults()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]vaultView, 0, len(list))
	for _, v := range list {
		out = append(out, vaultJSON(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": out})
}

func (a *api) vault(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.DecodeAddress(strings.TrimSpace(chi.URLParam(r, "account")))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	v, ok, err := a.node.Vault(account)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, vault.ErrVaultNotFound)
		return
	}
	writeJSON(w, http.StatusOK, vaultJSON(v))
}

func (a *api) requestIssue(w http.ResponseWriter, r *http.Request) {
	requester, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req issueRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	target, err := crypto.DecodeAddress(strings.TrimSpace(req.Vault))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	griefing, err := parseAmount(req.Griefing)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	issue, err := a.node.RequestIssue(requester, target, req.Amount, griefing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueJSON(issue))
}

func (a *api) decodePayment(r *http.Request) ([]byte, []byte, error) {
	var req paymentRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, nil, err
	}
	raw, err := decodeHex("tx", req.Tx)
	if err != nil {
		return nil, nil, err
	}
	proof, err := decodeHex("proof", req.Proof)
	if err != nil {
		return nil, nil, err
	}
	return raw, proof, nil
}

func (a *api) executeIssue(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	raw, proof, err := a.decodePayment(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	issue, err := a.node.ExecuteIssue(id, raw, proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (a *api) cancelIssue(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	issue, err := a.node.CancelIssue(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (a *api) issue(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	issue, ok, err := a.node.IssueRequest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, vault.ErrRequestNotFound)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (a *api) requestRedeem(w http.ResponseWriter, r *http.Request) {
	requester, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	target, err := crypto.DecodeAddress(strings.TrimSpace(req.Vault))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	redeem, err := a.node.RequestRedeem(requester, target, req.Amount, strings.TrimSpace(req.Address))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redeemJSON(redeem))
}

func (a *api) executeRedeem(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	raw, proof, err := a.decodePayment(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	redeem, err := a.node.ExecuteRedeem(id, raw, proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemJSON(redeem))
}

func (a *api) cancelRedeem(w http.ResponseWriter, r *http.Request) {
	requester, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req cancelRedeemRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	redeem, err := a.node.CancelRedeem(id, requester, req.Reimburse)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemJSON(redeem))
}

func (a *api) redeem(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	redeem, ok, err := a.node.RedeemRequest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, vault.ErrRequestNotFound)
		return
	}
	writeJSON(w, http.StatusOK, redeemJSON(redeem))
}
