package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/degree-anchor/anchor-api/external"
	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/degree-anchor/anchor-api/services"
)

const (
	// Request body limits.
	maxDegreeRequestSize  = 4 * 1024
	maxToolkitRequestSize = 256 * 1024
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type decodingError struct {
	status int
	msg    string
}

func (br *decodingError) Error() string {
	return br.msg
}

type HomeResponse struct {
	Message string `json:"message"`
}

type IssueDegreeRequest struct {
	StudentName string `json:"student_name"`
	StudentID   string `json:"student_id"`
	DegreeHash  string `json:"degree_hash"`
}

type IssueDegreeResponse struct {
	Message         string `json:"message"`
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

type VerifyDegreeRequest struct {
	DegreeHash string `json:"degree_hash"`
}

type VerifyDegreeResponse struct {
	DegreeHash string `json:"degree_hash"`
	IsValid    bool   `json:"is_valid"`
}

type DegreeDetailsResponse struct {
	models.CredentialRecord
	History []models.StatusEvent `json:"history"`
}

type IssuanceResponse struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash"`
	DegreeHash      string `json:"degree_hash"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

type CreateDIDRequest struct {
	Type string `json:"type"`
}

type CreateDIDResponse struct {
	Success bool            `json:"success"`
	DID     json.RawMessage `json:"did"`
}

type IssueVCRequest struct {
	HolderDID string         `json:"holder_did"`
	Degree    map[string]any `json:"degree"`
}

type IssueVCResponse struct {
	Success bool            `json:"success"`
	VC      json.RawMessage `json:"vc"`
}

type VerifyVCRequest struct {
	VC json.RawMessage `json:"vc"`
}

type VerifyVCResponse struct {
	Success bool                   `json:"success"`
	Result  *external.VerifyResult `json:"result"`
}

func readJSONRequest(w http.ResponseWriter, r *http.Request, req interface{}, maxSize int64) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		const msg = "Content-Type is not application/json"
		return &decodingError{status: http.StatusUnsupportedMediaType, msg: msg}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err = dec.Decode(req)
	if err != nil || dec.Decode(&struct{}{}) != io.EOF {
		const msg = "invalid or multiple JSON objects in request body"
		return &decodingError{status: http.StatusBadRequest, msg: msg}
	}

	return nil
}

func writeJSONResponse(w http.ResponseWriter, code int, data interface{}) error {
	resp, merr := json.Marshal(data)
	if merr != nil {
		return merr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, e := w.Write(resp)
	return e
}

func writeError(w http.ResponseWriter, status int, code string, retryable bool, msg string) error {
	return writeJSONResponse(w, status, errorResponse{Error: msg, Code: code, Retryable: retryable})
}

// writeJSONError maps the error taxonomy onto status codes. Order matters
// where error types wrap one another.
func writeJSONError(w http.ResponseWriter, err error) error {
	var de *decodingError
	switch {
	case errors.As(err, &de):
		return writeError(w, de.status, "invalid_request", false, de.msg)
	case errors.Is(err, &services.InvalidInputError{}):
		return writeError(w, http.StatusBadRequest, "invalid_input", false, err.Error())
	case errors.Is(err, &services.DuplicateFingerprintError{}):
		return writeError(w, http.StatusConflict, "duplicate_fingerprint", false, err.Error())
	case errors.Is(err, &services.NotFoundError{}):
		return writeError(w, http.StatusNotFound, "not_found", false, err.Error())
	case errors.Is(err, &ledger.LedgerUnavailableError{}):
		return writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", true, err.Error())
	case errors.Is(err, &ledger.NotFinalizedError{}):
		return writeError(w, http.StatusGatewayTimeout, "not_finalized", true, err.Error())
	case errors.Is(err, &ledger.RejectedError{}):
		return writeError(w, http.StatusUnprocessableEntity, "rejected_by_network", false, err.Error())
	case errors.Is(err, &ledger.NetworkError{}):
		return writeError(w, http.StatusServiceUnavailable, "network_error", true, err.Error())
	case errors.Is(err, &external.ToolkitUnavailableError{}):
		return writeError(w, http.StatusBadGateway, "toolkit_unavailable", true, err.Error())
	case errors.Is(err, &external.ToolkitProtocolError{}):
		return writeError(w, http.StatusBadGateway, "toolkit_protocol_error", false, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return writeError(w, http.StatusGatewayTimeout, "timeout", true, "request timed out")
	default:
		return writeError(w, http.StatusInternalServerError, "internal", false, "internal server error")
	}
}
