package api

import (
	"net/http"

	"github.com/degree-anchor/anchor-api/services"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const welcomeMessage = "Welcome to Degree Verification API"

type apiRouter struct {
	svc    *services.Service
	logger *zap.Logger
}

func (ar *apiRouter) Home(w http.ResponseWriter, r *http.Request) error {
	return writeJSONResponse(w, http.StatusOK, HomeResponse{Message: welcomeMessage})
}

func (ar *apiRouter) IssueDegree(w http.ResponseWriter, r *http.Request) error {
	var req IssueDegreeRequest
	if err := readJSONRequest(w, r, &req, maxDegreeRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	ar.logger.Info("Got issuance request",
		zap.String("fingerprint", req.DegreeHash),
		zap.String("studentID", req.StudentID),
		zap.String("requestID", requestIDFrom(r.Context())),
	)

	res, err := ar.svc.IssueCredential(r.Context(), services.IssueRequest{
		StudentName: req.StudentName,
		StudentID:   req.StudentID,
		Fingerprint: req.DegreeHash,
	})
	if err != nil {
		ar.logger.Warn("Issuance failed",
			zap.String("fingerprint", req.DegreeHash),
			zap.String("requestID", requestIDFrom(r.Context())),
			zap.Error(err))
		return writeJSONError(w, err)
	}

	resp := IssueDegreeResponse{
		Status:          res.Status.String(),
		TransactionHash: res.TxHash,
		BlockNumber:     res.BlockNumber,
		Timestamp:       res.Timestamp,
	}
	if res.Status == services.IssuePending {
		resp.Message = "Degree submitted, awaiting confirmation"
		return writeJSONResponse(w, http.StatusAccepted, resp)
	}
	resp.Message = "Degree issued successfully"
	return writeJSONResponse(w, http.StatusOK, resp)
}

func (ar *apiRouter) VerifyDegree(w http.ResponseWriter, r *http.Request) error {
	var req VerifyDegreeRequest
	if err := readJSONRequest(w, r, &req, maxDegreeRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	res, err := ar.svc.VerifyCredential(r.Context(), req.DegreeHash)
	if err != nil {
		return writeJSONError(w, err)
	}

	ar.logger.Info("Verified degree",
		zap.String("fingerprint", res.Fingerprint),
		zap.Bool("valid", res.IsValid),
		zap.String("requestID", requestIDFrom(r.Context())),
	)

	return writeJSONResponse(w, http.StatusOK, VerifyDegreeResponse{
		DegreeHash: res.Fingerprint,
		IsValid:    res.IsValid,
	})
}

func (ar *apiRouter) ListDegrees(w http.ResponseWriter, r *http.Request) error {
	records, err := ar.svc.ListCredentials(r.Context())
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, records)
}

func (ar *apiRouter) GetDegree(w http.ResponseWriter, r *http.Request) error {
	details, err := ar.svc.GetCredential(r.Context(), mux.Vars(r)["degree_hash"])
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, DegreeDetailsResponse{
		CredentialRecord: *details.Record,
		History:          details.History,
	})
}

func (ar *apiRouter) GetIssuance(w http.ResponseWriter, r *http.Request) error {
	status, err := ar.svc.GetIssuance(r.Context(), mux.Vars(r)["tx_hash"])
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, IssuanceResponse{
		Status:          status.Status.String(),
		TransactionHash: status.TxHash,
		DegreeHash:      status.Fingerprint,
		BlockNumber:     status.BlockNumber,
		Timestamp:       status.Timestamp,
	})
}

func (ar *apiRouter) CreateDID(w http.ResponseWriter, r *http.Request) error {
	var req CreateDIDRequest
	if err := readJSONRequest(w, r, &req, maxDegreeRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	did, err := ar.svc.CreateDID(r.Context(), req.Type)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, CreateDIDResponse{Success: true, DID: did})
}

func (ar *apiRouter) IssueVC(w http.ResponseWriter, r *http.Request) error {
	var req IssueVCRequest
	if err := readJSONRequest(w, r, &req, maxToolkitRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	vc, err := ar.svc.IssueVerifiableCredential(r.Context(), req.HolderDID, req.Degree)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, IssueVCResponse{Success: true, VC: vc})
}

func (ar *apiRouter) VerifyVC(w http.ResponseWriter, r *http.Request) error {
	var req VerifyVCRequest
	if err := readJSONRequest(w, r, &req, maxToolkitRequestSize); err != nil {
		return writeJSONError(w, err)
	}

	res, err := ar.svc.VerifyVerifiableCredential(r.Context(), req.VC)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, VerifyVCResponse{Success: true, Result: res})
}

// Wrapper to log unhandled errors.
// Note that this wrapper is only for last resort errors. For example, caused by
// error handling functions not being able to write a response to the client.
func (ar *apiRouter) wrapHandler(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			ar.logger.Error("Error handling request",
				zap.String("requestID", requestIDFrom(r.Context())),
				zap.Error(err))
		}
	}
}

// NewAPIRouter mounts the degree endpoints under path. Issuance requests draw
// from issueLimiter when it is not nil.
func NewAPIRouter(path string, svc *services.Service, origins []string, issueLimiter *rate.Limiter, logger *zap.Logger) *mux.Router {
	// Create router.
	ah := &apiRouter{
		svc,
		logger,
	}
	r := mux.NewRouter()
	sr := r.PathPrefix(path).Subrouter()

	// Register handlers.
	get := []string{http.MethodGet, http.MethodOptions}
	post := []string{http.MethodPost, http.MethodOptions}
	sr.HandleFunc("/home", ah.wrapHandler(ah.Home)).Methods(get...)
	sr.HandleFunc("/issue-degree", withRateLimit(issueLimiter, ah.wrapHandler(ah.IssueDegree))).Methods(post...)
	sr.HandleFunc("/verify-degree", ah.wrapHandler(ah.VerifyDegree)).Methods(post...)
	sr.HandleFunc("/degrees", ah.wrapHandler(ah.ListDegrees)).Methods(get...)
	sr.HandleFunc("/degrees/{degree_hash}", ah.wrapHandler(ah.GetDegree)).Methods(get...)
	sr.HandleFunc("/issuances/{tx_hash}", ah.wrapHandler(ah.GetIssuance)).Methods(get...)
	sr.HandleFunc("/dids", ah.wrapHandler(ah.CreateDID)).Methods(post...)
	sr.HandleFunc("/vcs/issue", ah.wrapHandler(ah.IssueVC)).Methods(post...)
	sr.HandleFunc("/vcs/verify", ah.wrapHandler(ah.VerifyVC)).Methods(post...)

	// CORS support.
	ch := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", requestIDHeader},
		ExposedHeaders:   []string{"Accept", "Content-Type", requestIDHeader},
		AllowCredentials: false,
		Debug:            logger.Level() == zap.DebugLevel,
	})
	sr.Use(withRequestID, withAccessLog(logger), ch.Handler)

	return r
}
