package routes

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/native/bridge"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/records"
	"btcbridge/native/vault"
)

const maxBodyBytes = 4 << 20

var errUnauthenticated = errors.New("authenticated account required")

var errorStatus = []struct {
	status int
	errs   []error
}{
	{http.StatusUnauthorized, []error{errUnauthenticated}},
	{http.StatusNotFound, []error{
		headers.ErrHeaderNotFound,
		bridge.ErrNoProposal,
		bridge.ErrUnknownBlock,
		bridge.ErrWithdrawalNotFound,
		records.ErrWithdrawalNotFound,
		vault.ErrVaultNotFound,
		vault.ErrRequestNotFound,
	}},
	{http.StatusConflict, []error{
		headers.ErrDuplicateHeader,
		headers.ErrGenesisExists,
		bridge.ErrTxAlreadyProcessed,
		bridge.ErrProposalExists,
		bridge.ErrProposalFinished,
		bridge.ErrAlreadyVoted,
		vault.ErrVaultExists,
		vault.ErrPaymentReused,
		vault.ErrRequestClosed,
		vault.ErrQuoteOutdated,
	}},
	{http.StatusForbidden, []error{
		bridge.ErrNotTrustee,
		vault.ErrNotRequester,
		vault.ErrUnknownOracle,
		records.ErrWithdrawalOwner,
	}},
	{http.StatusServiceUnavailable, []error{
		headers.ErrNoGenesis,
		bridge.ErrNoTrusteeSession,
		vault.ErrNoExchangeRate,
		vault.ErrExchangeRateExpired,
	}},
	{http.StatusBadRequest, []error{
		crypto.ErrInvalidAccount,
		bitcoin.ErrMalformedHeader,
		bitcoin.ErrMalformedTransaction,
		bitcoin.ErrInvalidAddress,
		bitcoin.ErrInvalidMerkleProof,
		headers.ErrOrphanHeader,
		headers.ErrAncientFork,
		headers.ErrFutureTimestamp,
		headers.ErrBadDifficulty,
		headers.ErrBadProofOfWork,
		detector.ErrInvalidOpReturn,
		bridge.ErrInvalidBinding,
		bridge.ErrInvalidSession,
		bridge.ErrMissingProof,
		bridge.ErrMerkleRootMismatch,
		bridge.ErrTxNotInBlock,
		bridge.ErrNotConfirmed,
		bridge.ErrPrevTxMismatch,
		bridge.ErrEmptyWithdrawal,
		bridge.ErrTooManyWithdrawals,
		bridge.ErrWithdrawalNotApplied,
		bridge.ErrWithdrawalBelowFee,
		bridge.ErrProposalOutputs,
		records.ErrEmptyBinding,
		records.ErrInsufficientBalance,
		records.ErrInsufficientReserved,
		records.ErrInvalidAmount,
		records.ErrUnknownAsset,
		records.ErrWithdrawalState,
		records.ErrEmptyBtcAddress,
		vault.ErrVaultNotActive,
		vault.ErrInsufficientCollateral,
		vault.ErrInvalidWallet,
		vault.ErrInvalidAmount,
		vault.ErrRequestExpired,
		vault.ErrRequestNotExpired,
		vault.ErrInsecureVault,
		vault.ErrInsufficientGriefingDeposit,
		vault.ErrInvalidQuote,
		vault.ErrStaleQuote,
		vault.ErrInvalidPayment,
		vault.ErrUnderpaid,
		vault.ErrOverflow,
		vault.ErrBelowDust,
		vault.ErrVaultTokensShort,
		vault.ErrInvalidBtcAddress,
	}},
}

// statusFor maps an engine error onto an HTTP status. Unknown errors are
// internal failures.
func statusFor(err error) int {
	for _, group := range errorStatus {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.status
			}
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("gateway: request failed", "error", err)
	}
	writeJSONError(w, status, err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("gateway: encode response", "error", err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func decodeHex(field, value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if value == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid hex: %w", field, err)
	}
	return raw, nil
}
