package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/engine"
)

func (t *Transport) observe(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	t.Metrics.ObserveOutcome(endpoint, outcome)
}

// writeServiceError maps a *engine.ServiceError (or a bare sentinel) to its
// HTTP status and writes a generic JSON body. Per-check detail never
// reaches the client: only the coarse sentinel-derived status and a fixed
// message do.
func (t *Transport) writeServiceError(w http.ResponseWriter, r *http.Request, handlerID string, err error) {
	status := engine.StatusCode(err)
	t.Metrics.ObserveHTTPError(handlerID, r.Method, status)

	if status == http.StatusOK {
		// ErrReplayOrExpired: caller expects a 200 body with success:false,
		// handled by the specific endpoint, not here.
		return
	}

	slog.WarnContext(r.Context(), "Protocol request failed", "handler", handlerID, common.ErrAttr(err))
	common.WriteHeaders(w, common.JSONContentHeaders)

	body := map[string]any{"message": genericMessage(status)}
	if status == http.StatusTooManyRequests {
		remaining := int(engine.RetryAfter(err).Seconds())
		if remaining < 1 {
			remaining = 1
		}
		body["remainingTime"] = remaining
		w.Header().Set("Retry-After", strconv.Itoa(remaining))
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func genericMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusUnauthorized:
		return "authentication failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate limited"
	case http.StatusConflict:
		return "session expired"
	default:
		return "internal error"
	}
}

func (t *Transport) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req engine.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.writeServiceError(w, r, "handshake", engineInvalidRequest(err))
		return
	}

	clientIP := t.clientIP(r)
	domain := requestDomain(r)

	resp, err := t.Engine.Handshake(ctx, req, clientIP, domain)
	t.observe("handshake", err)
	if err != nil {
		t.writeServiceError(w, r, "handshake", err)
		return
	}

	common.WriteHeaders(w, common.NoCacheHeaders)
	common.SendJSONResponse(ctx, w, resp)
}

func (t *Transport) challengeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req engine.ChallengeRequest
	if err := readEnvelope(r, &req); err != nil {
		t.writeServiceError(w, r, "challenge", engineInvalidRequest(err))
		return
	}

	clientIP := t.clientIP(r)
	domain := requestDomain(r)
	userAgent := r.UserAgent()

	resp, err := t.Engine.IssueChallenge(ctx, req, clientIP, domain, userAgent)
	t.observe("challenge", err)
	if err != nil {
		t.writeServiceError(w, r, "challenge", err)
		return
	}

	common.WriteHeaders(w, common.NoCacheHeaders)
	if err := writeEnvelope(w, resp); err != nil {
		slog.ErrorContext(ctx, "Failed to write challenge envelope", common.ErrAttr(err))
	}
}

func (t *Transport) verifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req engine.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.writeServiceError(w, r, "verify", engineInvalidRequest(err))
		return
	}

	clientIP := t.clientIP(r)
	domain := requestDomain(r)
	userAgent := r.UserAgent()

	resp, err := t.Engine.Verify(ctx, req, clientIP, domain, userAgent)
	t.observe("verify", err)
	if err != nil {
		if errors.Is(err, engine.ErrReplayOrExpired) {
			common.WriteHeaders(w, common.NoCacheHeaders)
			common.SendJSONResponse(ctx, w, &engine.VerifyResponse{Success: false, Message: "Verification failed"})
			return
		}
		t.writeServiceError(w, r, "verify", err)
		return
	}

	common.WriteHeaders(w, common.NoCacheHeaders)
	common.SendJSONResponse(ctx, w, resp)
}

// siteVerifyHandler reads {secret, response} from either a JSON body
// (POST) or form/query values (GET, or POST form-encoded), matching the
// reCAPTCHA-compatible contract relying backends expect. Every outcome is a
// 200: the body's own success flag and error codes carry the result.
func (t *Transport) siteVerifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseSiteVerifyRequest(r)
	if err != nil {
		common.SendJSONResponse(ctx, w, &engine.SiteVerifyResponse{Success: false, ErrorCodes: []string{"missing-input-secret"}})
		return
	}

	resp := t.Engine.SiteVerify(ctx, req)
	t.observe("siteverify", boolToErr(resp.Success))

	common.WriteHeaders(w, common.NoCacheHeaders)
	common.SendJSONResponse(ctx, w, resp)
}

func boolToErr(success bool) error {
	if success {
		return nil
	}
	return errors.New("siteverify failed")
}

func parseSiteVerifyRequest(r *http.Request) (engine.SiteVerifyRequest, error) {
	if r.Method == http.MethodGet {
		_ = r.ParseForm()
		return engine.SiteVerifyRequest{
			Secret:   r.Form.Get(common.ParamSecret),
			Response: r.Form.Get(common.ParamResponse),
		}, nil
	}

	contentType := r.Header.Get(common.HeaderContentType)
	if contentType == common.ContentTypeURLEncoded {
		if err := r.ParseForm(); err != nil {
			return engine.SiteVerifyRequest{}, err
		}
		return engine.SiteVerifyRequest{
			Secret:   r.Form.Get(common.ParamSecret),
			Response: r.Form.Get(common.ParamResponse),
		}, nil
	}

	var req engine.SiteVerifyRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return engine.SiteVerifyRequest{}, err
	}
	if len(body) == 0 {
		return engine.SiteVerifyRequest{}, errors.New("empty body")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return engine.SiteVerifyRequest{}, err
	}
	return req, nil
}

func engineInvalidRequest(err error) error {
	return &decodeError{cause: err}
}

type decodeError struct{ cause error }

func (e *decodeError) Error() string { return "invalid request body: " + e.cause.Error() }
func (e *decodeError) Unwrap() error { return engine.ErrInvalidRequest }
