package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/scanner"
)

type errorBody struct {
	Error string `json:"error"`
}

type acceptedBody struct {
	Status string `json:"status"`
}

// eventEnvelope is the Mastodon webhook delivery shape.
type eventEnvelope struct {
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

// handleMastodonEvent verifies the HMAC over the raw body, drops replayed
// deliveries inside the dedupe window, and enqueues the matching pipeline
// job. Unknown event kinds are acknowledged and ignored so the instance never
// retries them.
func (srv *Server) handleMastodonEvent(c echo.Context) error {
	if srv.cfg.WebhookSecret == "" {
		webhooksRejected.WithLabelValues("unconfigured").Inc()
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "webhook secret not configured"})
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable body"})
	}
	if !srv.verifySignature(c.Request().Header.Get(srv.cfg.SignatureHeader), body) {
		webhooksRejected.WithLabelValues("bad_signature").Inc()
		srv.logger.Warn("rejecting webhook with bad signature", "remote", c.RealIP())
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid signature"})
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Object) == 0 {
		webhooksRejected.WithLabelValues("bad_payload").Inc()
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed event payload"})
	}
	kind := c.Request().Header.Get(EventHeader)
	if kind == "" {
		kind = env.Event
	}

	ctx := c.Request().Context()
	seen, err := srv.dedupe.SeenOrMark(ctx, srv.dedupeKey(kind, env.Object, body), dedupeWindow)
	if err != nil {
		srv.logger.Error("webhook dedupe check failed, processing anyway", "err", err)
	} else if seen {
		webhooksReceived.WithLabelValues(kind, "duplicate").Inc()
		return c.JSON(http.StatusOK, acceptedBody{Status: "duplicate"})
	}

	switch kind {
	case "status.created", "status.updated":
		var st mastodon.Status
		if err := json.Unmarshal(env.Object, &st); err != nil || st.ID == "" {
			webhooksRejected.WithLabelValues("bad_payload").Inc()
			return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed status object"})
		}
		if err := srv.queue.Enqueue(ctx, scanner.JobProcessNewStatus, scanner.StatusEventPayload{Status: st}); err != nil {
			srv.logger.Error("failed to enqueue status event", "err", err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "enqueue failed"})
		}
	case "report.created":
		var rep mastodon.Report
		if err := json.Unmarshal(env.Object, &rep); err != nil || rep.ID == "" {
			webhooksRejected.WithLabelValues("bad_payload").Inc()
			return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed report object"})
		}
		if err := srv.queue.Enqueue(ctx, scanner.JobProcessNewReport, scanner.ReportEventPayload{Report: rep}); err != nil {
			srv.logger.Error("failed to enqueue report event", "err", err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "enqueue failed"})
		}
	default:
		webhooksReceived.WithLabelValues(kind, "ignored").Inc()
		return c.JSON(http.StatusOK, acceptedBody{Status: "ignored"})
	}

	webhooksReceived.WithLabelValues(kind, "accepted").Inc()
	return c.JSON(http.StatusOK, acceptedBody{Status: "accepted"})
}

// verifySignature checks "sha256=<hex>" (prefix optional) against the HMAC of
// the raw body, in constant time.
func (srv *Server) verifySignature(header string, body []byte) bool {
	if header == "" {
		return false
	}
	hexDigest := strings.TrimPrefix(header, "sha256=")
	given, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(srv.cfg.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(given, mac.Sum(nil))
}

// dedupeKey prefers the event object's upstream id; deliveries without one
// fall back to the body digest.
func (srv *Server) dedupeKey(kind string, object json.RawMessage, body []byte) string {
	var ident struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(object, &ident); err == nil && ident.ID != "" {
		return "webhook:" + kind + ":" + ident.ID
	}
	sum := sha256.Sum256(body)
	return "webhook:" + kind + ":" + hex.EncodeToString(sum[:])
}
