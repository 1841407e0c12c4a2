package routes

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"btcbridge/crypto"
	"btcbridge/native/bridge"
	"btcbridge/native/records"
)

type voteView struct {
	Trustee string `json:"trustee"`
	Approve bool   `json:"approve"`
}

type proposalView struct {
	TxID     string     `json:"txid"`
	Raw      string     `json:"raw"`
	IDs      []uint32   `json:"ids"`
	Proposer string     `json:"proposer"`
	Status   string     `json:"status"`
	Votes    []voteView `json:"votes"`
}

type withdrawalView struct {
	ID      uint32 `json:"id"`
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
	State   string `json:"state"`
	Height  uint64 `json:"height"`
}

type applyWithdrawalRequest struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

type proposeRequest struct {
	Tx  string   `json:"tx"`
	IDs []uint32 `json:"ids"`
}

type voteRequest struct {
	Approve bool `json:"approve"`
}

type mintRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func proposalJSON(p *bridge.WithdrawalProposal) proposalView {
	view := proposalView{
		TxID:     p.TxID.String(),
		Raw:      rawHex(p.Raw),
		IDs:      p.IDs,
		Proposer: p.Proposer.String(),
		Status:   p.Status.String(),
		Votes:    make([]voteView, 0, len(p.Votes)),
	}
	for _, v := range p.Votes {
		view.Votes = append(view.Votes, voteView{Trustee: v.Trustee.String(), Approve: v.Approve})
	}
	return view
}

func withdrawalJSON(rec *records.WithdrawalRecord) withdrawalView {
	return withdrawalView{
		ID:      rec.ID,
		Account: rec.Account.String(),
		Asset:   rec.Asset,
		Amount:  rec.Amount,
		Address: rec.Address,
		State:   rec.State.String(),
		Height:  rec.Height,
	}
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errors.New("amount must be a positive integer")
	}
	return amount, nil
}

func (a *api) proposal(w http.ResponseWriter, r *http.Request) {
	p, err := a.node.Proposal()
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		writeError(w, bridge.ErrNoProposal)
		return
	}
	writeJSON(w, http.StatusOK, proposalJSON(p))
}

func (a *api) proposeWithdrawal(w http.ResponseWriter, r *http.Request) {
	trustee, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req proposeRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	raw, err := decodeHex("tx", req.Tx)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	p, err := a.node.ProposeWithdrawal(trustee, raw, req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalJSON(p))
}

func (a *api) signWithdrawal(w http.ResponseWriter, r *http.Request) {
	trustee, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	p, err := a.node.SignWithdrawal(trustee, req.Approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalJSON(p))
}

func (a *api) dropProposal(w http.ResponseWriter, r *http.Request) {
	if err := a.node.DropWithdrawalProposal(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := a.node.Withdrawals()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]withdrawalView, 0, len(list))
	for _, rec := range list {
		out = append(out, withdrawalJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": out})
}

func (a *api) applyWithdrawal(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req applyWithdrawalRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := a.node.ApplyWithdrawal(account, req.Amount, strings.TrimSpace(req.Address))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *api) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := a.node.CancelWithdrawal(uint32(id), account); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.DecodeAddress(strings.TrimSpace(chi.URLParam(r, "account")))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	asset := strings.TrimSpace(chi.URLParam(r, "asset"))
	free, reserved, err := a.node.Balance(account, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account":  account.String(),
		"asset":    asset,
		"free":     free.String(),
		"reserved": reserved.String(),
	})
}

func (a *api) mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := a.node.Mint(account, strings.TrimSpace(req.Asset), amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
