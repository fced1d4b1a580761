package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnosh/confirmations/confirmations/api"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodySize = 1 << 20

type LedgerServer struct {
	httpServer *http.Server
	ledger     *Ledger
	logger     *slog.Logger
}

func (ls *LedgerServer) Start() error {
	ls.logger.Info("ledger server listening on: " + ls.httpServer.Addr)
	err := ls.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ls *LedgerServer) Shutdown() error {
	ls.ledger.logger.Info("starting shutdown of ledger server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ls.ledger.Shutdown()
	return ls.httpServer.Shutdown(ctx)
}

func SetupLedgerServer(config Config) (*LedgerServer, error) {
	ledger, err := LoadLedger(config)
	if err != nil {
		return nil, err
	}

	ledgerServer := &LedgerServer{ledger: ledger, logger: ledger.logger}
	ledgerServer.setupHttpServer(config.Port)
	return ledgerServer, nil
}

func (ls *LedgerServer) Handler() http.Handler {
	return ls.httpServer.Handler
}

func (ls *LedgerServer) Ledger() *Ledger {
	return ls.ledger
}

func (ls *LedgerServer) setupHttpServer(port int) {
	ls.httpServer = &http.Server{
		Addr:    "127.0.0.1:" + strconv.Itoa(port),
		Handler: ls.router(),
	}
}

func (ls *LedgerServer) router() *mux.Router {
	r := mux.NewRouter()
	// credentials are base64 and may carry an escaped '/'
	r.UseEncodedPath()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	confirmations := r.PathPrefix("/v1/confirmation").Subrouter()
	confirmations.Use(setupHeaders)
	confirmations.HandleFunc("/token/{creativeInstanceId}", ls.requestSignedTokens).Methods(http.MethodPost)
	confirmations.HandleFunc("/token/{creativeInstanceId}", ls.getSignedTokens).
		Methods(http.MethodGet).Queries("nonce", "{nonce}")
	confirmations.HandleFunc("/{confirmationId}/paymentToken", ls.getPaymentToken).Methods(http.MethodGet)
	confirmations.HandleFunc("/{confirmationId}/{credential}", ls.createConfirmation).Methods(http.MethodPut)

	return r
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Digest, origin")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func (ls *LedgerServer) writeResponse(
	rw http.ResponseWriter,
	req *http.Request,
	route string,
	status int,
	response any,
) {
	body, err := json.Marshal(response)
	if err != nil {
		ls.writeErr(rw, req, route, api.BuildError("error encoding response", api.StandardErrCode))
		return
	}

	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	ls.logger.Debug("request", slog.String("method", req.Method), slog.String("route", route),
		slog.Int("status_code", status))

	rw.WriteHeader(status)
	rw.Write(body)
}

func (ls *LedgerServer) writeErr(rw http.ResponseWriter, req *http.Request, route string, err error) {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		apiErr = api.BuildError(err.Error(), api.StandardErrCode)
	}
	status := statusCode(apiErr.Code)

	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	ls.logger.Error("error processing request",
		slog.String("method", req.Method),
		slog.String("route", route),
		slog.Int("status_code", status),
		slog.String("error", apiErr.Detail))

	body, _ := json.Marshal(apiErr)
	rw.WriteHeader(status)
	rw.Write(body)
}

func statusCode(code api.ErrCode) int {
	switch code {
	case api.InvalidRequestErrCode, api.InvalidBlindedTokenErrCode, api.InvalidCredentialErrCode:
		return http.StatusBadRequest
	case api.UnknownNonceErrCode, api.UnknownConfirmationErrCode:
		return http.StatusNotFound
	case api.TokenAlreadySpentErrCode, api.ConfirmationExistsErrCode:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathVar(req *http.Request, name string) (string, error) {
	value, err := url.PathUnescape(mux.Vars(req)[name])
	if err != nil {
		return "", api.BuildError(fmt.Sprintf("invalid %v", name), api.InvalidRequestErrCode)
	}
	return value, nil
}

func readBody(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		return nil, api.BuildError("error reading body", api.InvalidRequestErrCode)
	}
	return body, nil
}

func (ls *LedgerServer) requestSignedTokens(rw http.ResponseWriter, req *http.Request) {
	const route = "request_signed_tokens"

	creativeInstanceId, err := pathVar(req, "creativeInstanceId")
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	body, err := readBody(req)
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	if digest := req.Header.Get(api.DigestHeader); len(digest) > 0 {
		hash := sha256.Sum256(body)
		if digest != "SHA-256="+base64.StdEncoding.EncodeToString(hash[:]) {
			ls.writeErr(rw, req, route, api.BuildError("digest does not match body", api.InvalidRequestErrCode))
			return
		}
	}

	var request api.RequestSignedTokensRequest
	if err := json.Unmarshal(body, &request); err != nil {
		ls.writeErr(rw, req, route, &api.InvalidRequestErr)
		return
	}

	nonce, err := ls.ledger.RequestSignedTokens(creativeInstanceId, request.BlindedTokens)
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	ls.writeResponse(rw, req, route, http.StatusCreated, api.RequestSignedTokensResponse{Nonce: nonce})
}

func (ls *LedgerServer) getSignedTokens(rw http.ResponseWriter, req *http.Request) {
	const route = "get_signed_tokens"

	creativeInstanceId, err := pathVar(req, "creativeInstanceId")
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}
	nonce := req.URL.Query().Get("nonce")

	signedTokens, err := ls.ledger.GetSignedTokens(creativeInstanceId, nonce)
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	ls.writeResponse(rw, req, route, http.StatusOK, signedTokens)
}

func (ls *LedgerServer) createConfirmation(rw http.ResponseWriter, req *http.Request) {
	const route = "create_confirmation"

	confirmationId, err := pathVar(req, "confirmationId")
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}
	credential, err := pathVar(req, "credential")
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	body, err := readBody(req)
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	confirmation, err := ls.ledger.CreateConfirmation(confirmationId, credential, body)
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	ls.writeResponse(rw, req, route, http.StatusCreated, confirmation)
}

func (ls *LedgerServer) getPaymentToken(rw http.ResponseWriter, req *http.Request) {
	const route = "get_payment_token"

	confirmationId, err := pathVar(req, "confirmationId")
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	paymentToken, err := ls.ledger.GetPaymentToken(confirmationId)
	if err != nil {
		ls.writeErr(rw, req, route, err)
		return
	}

	ls.writeResponse(rw, req, route, http.StatusOK, paymentToken)
}
