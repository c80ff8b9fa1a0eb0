package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gavelhq/gavel/internal/approval"
	"github.com/gavelhq/gavel/internal/blastbox"
	"github.com/gavelhq/gavel/internal/httpx"
	"github.com/gavelhq/gavel/internal/ledger"
	"github.com/gavelhq/gavel/internal/policy"
	"github.com/gavelhq/gavel/internal/review"
)

type proposeRequest struct {
	ActorID    string `json:"actor_id"`
	ActionType string `json:"action_type"`
	Content    string `json:"content"`
}

type violationDTO struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

type proposeResponse struct {
	Decision      string         `json:"decision"`
	RiskScore     float64        `json:"risk_score"`
	IntentEventID string         `json:"intent_event_id"`
	PolicyEventID string         `json:"policy_event_id"`
	Violations    []violationDTO `json:"violations"`
}

func toViolationDTOs(vs []policy.Violation) []violationDTO {
	out := make([]violationDTO, 0, len(vs))
	for _, v := range vs {
		out = append(out, violationDTO{Rule: v.Rule, Description: v.Description})
	}
	return out
}

// HandlePropose implements POST /propose.
func (g *Gateway) HandlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed request body: "+err.Error())
		return
	}
	if req.ActorID == "" || req.ActionType == "" {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "actor_id and action_type are required")
		return
	}

	if _, err := g.Identities.Validate(req.ActorID); err != nil {
		httpx.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}

	payload := map[string]interface{}{
		"action_type": req.ActionType,
		"content":     req.Content,
	}
	if err := g.Validator.Validate(payload); err != nil {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "intent_payload failed schema validation: "+err.Error())
		return
	}

	intentEvent, err := g.Ledger.Append(r.Context(), req.ActorID, ledger.ActionInboundIntent, payload, g.policyVersion())
	if err != nil {
		httpx.WriteInternal(w, err)
		return
	}

	result := g.evaluate(req.ActionType, req.Content)

	if result.Decision == policy.Escalated {
		fp := approval.NewFingerprint(req.ActorID, req.ActionType, req.Content)
		consumed, err := g.Approvals.ConsumeIfValid(r.Context(), fp, intentEvent.ID)
		if err != nil {
			httpx.WriteInternal(w, err)
			return
		}
		if consumed != nil {
			result.Decision = policy.Approved
		}
	}

	policyEvent, err := g.Ledger.Append(r.Context(), req.ActorID, ledger.PolicyEvalAction(string(result.Decision)), map[string]interface{}{
		"intent_event_id": intentEvent.ID,
		"risk_score":      result.RiskScore,
		"violations":      toViolationDTOs(result.Violations),
	}, g.policyVersion())
	if err != nil {
		httpx.WriteInternal(w, err)
		return
	}

	status := http.StatusOK
	switch result.Decision {
	case policy.Escalated:
		status = http.StatusAccepted
	case policy.Denied:
		status = http.StatusForbidden
	}

	httpx.WriteJSON(w, status, proposeResponse{
		Decision:      string(result.Decision),
		RiskScore:     result.RiskScore,
		IntentEventID: intentEvent.ID,
		PolicyEventID: policyEvent.ID,
		Violations:    toViolationDTOs(result.Violations),
	})
}

type executeRequest struct {
	ProposalID string `json:"proposal_id"`
}

type executeResponse struct {
	EvidenceEventID string                   `json:"evidence_event_id"`
	EvidencePacket  *blastbox.EvidencePacket `json:"evidence_packet"`
}

// HandleExecute implements POST /execute.
func (g *Gateway) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed request body: "+err.Error())
		return
	}

	intent, err := g.Ledger.GetByID(r.Context(), req.ProposalID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			httpx.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no such proposal")
			return
		}
		httpx.WriteInternal(w, err)
		return
	}

	decision, err := g.latestDecision(r.Context(), intent.ID)
	if err != nil {
		httpx.WriteInternal(w, err)
		return
	}

	switch decision {
	case policy.Denied:
		httpx.WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "proposal was denied")
		return
	case policy.Escalated:
		httpx.WriteErrorR(w, r, http.StatusAccepted, "Accepted", "proposal is awaiting human approval")
		return
	}

	release, err := g.acquireBlastBoxSlot(r.Context())
	if err != nil {
		httpx.WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "blast box at capacity, retry shortly")
		return
	}
	defer release()

	content, _ := intent.IntentPayload["content"].(string)
	packet, err := blastbox.Run(r.Context(), content, g.BlastBox)
	if err != nil {
		var sbErr *blastbox.SandboxError
		if errors.As(err, &sbErr) {
			httpx.WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", sbErr.Message)
			return
		}
		httpx.WriteInternal(w, err)
		return
	}

	evidenceEvent, err := g.Ledger.Append(r.Context(), intent.ActorID, ledger.ActionEvidencePacket, map[string]interface{}{
		"intent_event_id": intent.ID,
		"command":         packet.Command,
		"exit_code":       packet.ExitCode,
		"duration_ms":     packet.DurationMS,
		"stdout":          packet.Stdout,
		"stderr":          packet.Stderr,
		"timed_out":       packet.TimedOut,
		"oom_killed":      packet.OOMKilled,
		"workspace_diff":  packet.WorkspaceDiff,
		"environment":     packet.Environment,
		"evidence_hash":   packet.EvidenceHash,
	}, g.policyVersion())
	if err != nil {
		httpx.WriteInternal(w, err)
		return
	}

	if err := g.reviewEvidence(r.Context(), evidenceEvent.ID, packet); err != nil {
		httpx.WriteInternal(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, executeResponse{EvidenceEventID: evidenceEvent.ID, EvidencePacket: packet})
}

// reviewEvidence runs the deterministic post-execution checks against
// packet and appends their outcome as an EVIDENCE_REVIEW_DETERMINISTIC
// event referencing evidenceEventID. A review finding is never itself a
// reason to fail /execute — the command already ran — it only enriches
// the audit trail with a risk_delta a later policy decision can consult.
func (g *Gateway) reviewEvidence(ctx context.Context, evidenceEventID string, packet *blastbox.EvidencePacket) error {
	result := review.Evidence(packet, g.ReviewAllowPaths, g.clock())

	findings := make([]map[string]interface{}, 0, len(result.Findings))
	for _, f := range result.Findings {
		findings = append(findings, map[string]interface{}{
			"category":        f.Category,
			"severity":        f.Severity,
			"description":     f.Description,
			"file_path":       f.FilePath,
			"matched_pattern": f.MatchedPattern,
		})
	}

	_, err := g.Ledger.Append(ctx, "system:evidence_review", ledger.ActionEvidenceReview, map[string]interface{}{
		"evidence_event_id":     evidenceEventID,
		"passed":                result.Passed,
		"findings_count":        len(result.Findings),
		"risk_delta":            result.RiskDelta,
		"scope_compliant":       result.ScopeCompliant,
		"findings_summary":      findings,
		"risk_map_version_hash": review.RiskMapVersionHash,
		"reviewed_at":           result.ReviewedAt.UTC().Format(time.RFC3339Nano),
	}, g.policyVersion())
	return err
}

// latestDecision re-derives an intent's authoritative decision: the
// POLICY_EVAL outcome, upgraded to APPROVED if a later APPROVAL_CONSUMED
// references it.
func (g *Gateway) latestDecision(ctx context.Context, intentEventID string) (policy.Decision, error) {
	events, err := g.Ledger.List(ctx, ledger.Filter{})
	if err != nil {
		return "", err
	}

	var decision policy.Decision
	for _, e := range events {
		id, _ := e.IntentPayload["intent_event_id"].(string)
		if id != intentEventID {
			continue
		}
		switch e.ActionType {
		case ledger.ActionPolicyEvalApproved:
			decision = policy.Approved
		case ledger.ActionPolicyEvalDenied:
			decision = policy.Denied
		case ledger.ActionPolicyEvalEscalated:
			decision = policy.Escalated
		case ledger.ActionApprovalConsumed:
			decision = policy.Approved
		}
	}
	return decision, nil
}

type resolutionRequest struct {
	IntentEventID string `json:"intent_event_id"`
	PolicyEventID string `json:"policy_event_id"`
	Reason        string `json:"reason,omitempty"`
	// ApproverID self-reports which human reviewer is acting, for
	// distinct-approver quorum counting under an approval template.
	// Authentication is still the single shared bearer secret; this only
	// labels who, among holders of that secret, is granting or denying.
	ApproverID string `json:"approver_id,omitempty"`
}

func (req resolutionRequest) approver() string {
	if req.ApproverID != "" {
		return req.ApproverID
	}
	return "human:reviewer"
}

// HandleApprove implements POST /approve.
func (g *Gateway) HandleApprove(w http.ResponseWriter, r *http.Request) {
	if !g.Bearer.Authenticate(r.Header.Get("Authorization")) {
		httpx.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "invalid or missing bearer token")
		return
	}
	var req resolutionRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed request body: "+err.Error())
		return
	}

	event, err := g.Approvals.Grant(r.Context(), req.IntentEventID, req.PolicyEventID, req.approver())
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "approval_event_id": event.ID})
}

// HandleDeny implements POST /deny.
func (g *Gateway) HandleDeny(w http.ResponseWriter, r *http.Request) {
	if !g.Bearer.Authenticate(r.Header.Get("Authorization")) {
		httpx.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "invalid or missing bearer token")
		return
	}
	var req resolutionRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed request body: "+err.Error())
		return
	}

	event, err := g.Approvals.Deny(r.Context(), req.IntentEventID, req.PolicyEventID, req.Reason, req.approver())
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "denial_event_id": event.ID})
}

func writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no such intent")
	case errors.Is(err, approval.ErrAlreadyResolved):
		httpx.WriteErrorR(w, r, http.StatusConflict, "Conflict", "intent is already resolved")
	case errors.Is(err, approval.ErrApproverNotAuthorized):
		httpx.WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "approver is not authorized under the governing approval template")
	default:
		httpx.WriteInternal(w, err)
	}
}

type healthChain struct {
	TotalEvents int     `json:"total_events"`
	ChainValid  bool    `json:"chain_valid"`
	BreakAt     *string `json:"break_at"`
}

type healthResponse struct {
	Status  string      `json:"status"`
	Service string      `json:"service"`
	Chain   healthChain `json:"chain"`
}

// HandleHealth implements GET /health.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	result, err := g.Ledger.Verify(ctx)
	if chainUnavailable(err) {
		httpx.WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "ledger unavailable: "+err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: "gavel",
		Chain: healthChain{
			TotalEvents: result.TotalEvents,
			ChainValid:  result.ChainValid,
			BreakAt:     result.BreakAt,
		},
	})
}
