package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/microcharge/internal/errors"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/payments"
)

// requestToken issues a fresh single-use token. The body is ignored.
func (h *handlers) requestToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.payments.RequestToken(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("payments.token_issue_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, payments.TokenResponse{Token: token})
}

// submitCharge redeems a token. Every business verdict, rejections included,
// is a 200 with the ChargeResult body; only malformed input is a 400.
func (h *handlers) submitCharge(w http.ResponseWriter, r *http.Request) {
	var req payments.ChargeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidJSON, "invalid charge request body: "+err.Error())
		return
	}

	result, err := h.payments.SubmitCharge(r.Context(), req)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidRequest) {
			apierrors.WriteError(w, validationCode(req), err.Error(), map[string]interface{}{
				"identity": req.Identity,
			})
			return
		}
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("payments.charge_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "could not evaluate charge")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// account returns the read-only balance of one identity.
func (h *handlers) account(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if identity == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidIdentity, "identity is required")
		return
	}
	writeJSON(w, http.StatusOK, h.payments.Account(identity))
}

// validationCode picks the machine-readable code for a request that failed validation.
func validationCode(req payments.ChargeRequest) apierrors.ErrorCode {
	switch {
	case req.Token == "", req.Identity == "":
		return apierrors.ErrCodeMissingField
	case req.Amount <= 0:
		return apierrors.ErrCodeInvalidAmount
	default:
		return apierrors.ErrCodeInvalidField
	}
}
