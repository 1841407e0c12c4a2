package routes

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-chi/chi/v5"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/native/bridge"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
)

type pointerView struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

type headerView struct {
	Hash       string `json:"hash"`
	Height     uint64 `json:"height"`
	PrevHash   string `json:"prevHash"`
	MerkleRoot string `json:"merkleRoot"`
	Timestamp  int64  `json:"timestamp"`
	Bits       uint32 `json:"bits"`
	Work       string `json:"work"`
	Submitter  string `json:"submitter,omitempty"`
	Confirmed  bool   `json:"confirmed"`
}

type receiptView struct {
	TxID   string `json:"txid"`
	Block  string `json:"block"`
	Type   string `json:"type"`
	Result string `json:"result"`
}

type pendingView struct {
	TxID    string `json:"txid"`
	Balance uint64 `json:"balance"`
}

type sessionView struct {
	Hot       string   `json:"hot"`
	Cold      string   `json:"cold"`
	Trustees  []string `json:"trustees"`
	Threshold uint32   `json:"threshold"`
}

type submitHeaderRequest struct {
	Header    string `json:"header"`
	Submitter string `json:"submitter,omitempty"`
}

type submitTransactionRequest struct {
	Tx     string `json:"tx"`
	PrevTx string `json:"prevTx,omitempty"`
	Proof  string `json:"proof"`
}

type bindRequest struct {
	Address string `json:"address"`
	Account string `json:"account"`
}

func pointerJSON(p headers.Pointer) pointerView {
	return pointerView{Height: p.Height, Hash: p.Hash.String()}
}

func sessionJSON(s *bridge.TrusteeSession) sessionView {
	view := sessionView{
		Hot:       s.Pair.Hot.String(),
		Cold:      s.Pair.Cold.String(),
		Threshold: s.Threshold,
	}
	for _, t := range s.Trustees {
		view.Trustees = append(view.Trustees, t.String())
	}
	return view
}

func hashParam(r *http.Request, name string) (chainhash.Hash, error) {
	return bitcoin.ParseHash(strings.TrimSpace(chi.URLParam(r, name)))
}

func (a *api) submitHeader(w http.ResponseWriter, r *http.Request) {
	var req submitHeaderRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	raw, err := decodeHex("header", req.Header)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	submitter := strings.TrimSpace(req.Submitter)
	if submitter == "" {
		submitter = "api"
	}
	if err := a.node.SubmitHeader(raw, submitter); err != nil {
		writeError(w, err)
		return
	}
	best, err := a.node.BestChain()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"best": pointerJSON(best)})
}

func (a *api) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	raw, err := decodeHex("tx", req.Tx)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	prevRaw, err := decodeHex("prevTx", req.PrevTx)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	proof, err := decodeHex("proof", req.Proof)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	receipt, err := a.node.SubmitTransaction(raw, prevRaw, proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptView{
		TxID:   receipt.TxID.String(),
		Block:  receipt.Block.String(),
		Type:   receipt.Type.String(),
		Result: receipt.Result.String(),
	})
}

func (a *api) bestChain(w http.ResponseWriter, r *http.Request) {
	best, err := a.node.BestChain()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pointerJSON(best))
}

func (a *api) header(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r, "hash")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	entry, confirmed, err := a.node.Header(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, headerView{
		Hash:       entry.Hash.String(),
		Height:     entry.Height,
		PrevHash:   entry.Header.PrevBlock.String(),
		MerkleRoot: entry.Header.MerkleRoot.String(),
		Timestamp:  entry.Header.Timestamp.Unix(),
		Bits:       entry.Header.Bits,
		Work:       entry.Work.String(),
		Submitter:  entry.Submitter,
		Confirmed:  confirmed,
	})
}

func (a *api) txState(w http.ResponseWriter, r *http.Request) {
	txid, err := hashParam(r, "txid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	st, ok, err := a.node.TxState(txid)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("transaction %s not processed", txid))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"txid":   st.TxID.String(),
		"block":  st.Block.String(),
		"type":   st.Type.String(),
		"result": st.Result.String(),
		"height": st.Height,
	})
}

func (a *api) pendingDeposits(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimSpace(chi.URLParam(r, "address"))
	pending, err := a.node.PendingDeposits(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingView{TxID: p.TxID.String(), Balance: p.Balance})
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "deposits": out})
}

func (a *api) bind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	account, err := detector.ParseAccount(strings.TrimSpace(req.Account))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	replayed, err := a.node.Bind(strings.TrimSpace(req.Address), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": replayed})
}

func (a *api) session(w http.ResponseWriter, r *http.Request) {
	session, err := a.node.TrusteeSession()
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, bridge.ErrNoTrusteeSession)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(session))
}

func (a *api) setSession(w http.ResponseWriter, r *http.Request) {
	var req sessionView
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	session, err := a.parseSession(req)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := a.node.SetTrusteeSession(session); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(&session))
}

func (a *api) parseSession(req sessionView) (bridge.TrusteeSession, error) {
	hot, err := bitcoin.ParseAddress(strings.TrimSpace(req.Hot), a.network)
	if err != nil {
		return bridge.TrusteeSession{}, fmt.Errorf("hot: %w", err)
	}
	cold, err := bitcoin.ParseAddress(strings.TrimSpace(req.Cold), a.network)
	if err != nil {
		return bridge.TrusteeSession{}, fmt.Errorf("cold: %w", err)
	}
	if len(req.Trustees) == 0 {
		return bridge.TrusteeSession{}, errors.New("trustees required")
	}
	trustees := make([]crypto.Address, 0, len(req.Trustees))
	for _, t := range req.Trustees {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(t))
		if err != nil {
			return bridge.TrusteeSession{}, err
		}
		trustees = append(trustees, addr)
	}
	return bridge.TrusteeSession{
		Pair:      detector.TrusteePair{Hot: hot, Cold: cold},
		Trustees:  trustees,
		Threshold: req.Threshold,
	}, nil
}

// rawHex renders raw bytes for responses.
func rawHex(raw []byte) string {
	return hex.EncodeToString(raw)
}
