package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/mobu/internal/logging"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
	branchPrefix    = "refs/heads/"
)

// pushEvent holds the fields of a GitHub push payload that matter here.
type pushEvent struct {
	Ref          string `json:"ref"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
	Repository struct {
		HTMLURL string `json:"html_url"`
	} `json:"repository"`
}

// Sign returns the X-Hub-Signature-256 value GitHub sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// handleGitHubWebhook refreshes the flocks that clone the pushed branch.
// Events from organizations that are not accepted are refused with 403.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Webhook
	if cfg.Secret == "" {
		writeError(w, http.StatusNotFound, "not_found", "GitHub refresh webhook is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !validSignature(cfg.Secret, body, r.Header.Get(signatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature does not match")
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", err.Error())
		return
	}

	logger := s.logger.With(
		"request_id", requestID(r.Context()),
		"github_delivery", r.Header.Get(deliveryHeader),
		"github_app", "refresh",
	)
	owner := event.Organization.Login
	if !slices.Contains(cfg.AcceptedOrgs, owner) {
		logger.Debug("Ignoring GitHub event for unaccepted org", "owner", owner)
		writeError(w, http.StatusForbidden, "forbidden", "mobu is not configured to accept webhooks from this GitHub org")
		return
	}

	if cfg.Delay > 0 {
		timer := time.NewTimer(cfg.Delay)
		select {
		case <-timer.C:
		case <-r.Context().Done():
			timer.Stop()
			return
		}
	}

	if r.Header.Get(eventHeader) == "push" {
		s.handlePush(logger, event)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePush(logger *logging.Logger, event pushEvent) {
	url := event.Repository.HTMLURL + ".git"
	branch, ok := strings.CutPrefix(event.Ref, branchPrefix)
	if !ok {
		logger.Debug("github webhook ignored: ref is not a branch", "ref", event.Ref, "url", url)
		return
	}

	flocks := s.manager.ListFlocksForRepo(url, branch)
	if len(flocks) == 0 {
		logger.Debug("github webhook ignored: no flocks match repo and branch", "ref", event.Ref, "url", url)
		return
	}
	for _, name := range flocks {
		// A flock deleted since the lookup needs no refresh.
		_ = s.manager.RefreshFlock(name)
	}
	logger.Info("github refresh webhook handled", "ref", event.Ref, "url", url, "flocks", flocks)
}
