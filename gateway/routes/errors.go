package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"workescrow/gateway/middleware"
	"workescrow/native/escrow"
)

const requestLimit = 1 << 20 // 1 MiB

// statusForError maps engine error kinds onto HTTP status codes.
func statusForError(err error) int {
	switch escrow.KindOf(err) {
	case escrow.KindValidation:
		return http.StatusBadRequest
	case escrow.KindAuthorization:
		return http.StatusForbidden
	case escrow.KindState:
		return http.StatusConflict
	case escrow.KindArithmetic:
		return http.StatusUnprocessableEntity
	case escrow.KindPolicy:
		if errors.Is(err, escrow.ErrModulePaused) {
			return http.StatusServiceUnavailable
		}
		return http.StatusForbidden
	case escrow.KindTransfer:
		return http.StatusBadGateway
	case escrow.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	body := middleware.ErrorBody{Code: escrow.CodeOf(err), Message: err.Error()}
	if kind := escrow.KindOf(err); kind != escrow.KindUnknown {
		body.Kind = kind.String()
	}
	if status == http.StatusInternalServerError {
		body.Message = http.StatusText(status)
	}
	middleware.WriteJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	middleware.WriteJSON(w, http.StatusBadRequest, middleware.ErrorBody{Code: "bad_request", Message: err.Error()})
}

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

var (
	errMissingVote = errors.New("voteForWorker is required")
	errBadLimit    = errors.New("limit must be a non-negative integer")
)
