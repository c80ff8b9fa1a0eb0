package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gavelhq/gavel/internal/approval"
	"github.com/gavelhq/gavel/internal/blastbox"
	"github.com/gavelhq/gavel/internal/identity"
	"github.com/gavelhq/gavel/internal/ledger"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dir := t.TempDir()
	identitiesPath := filepath.Join(dir, "identities.json")
	require.NoError(t, os.WriteFile(identitiesPath, []byte(`{
		"actors": [
			{"actor_id": "agent:coder", "kind": "agent", "active": true},
			{"actor_id": "agent:retired", "kind": "agent", "active": false}
		]
	}`), 0o644))

	identities, err := identity.Load(identitiesPath)
	require.NoError(t, err)

	validator, err := NewIntentValidator("")
	require.NoError(t, err)

	l := ledger.NewMemoryLedger()

	return &Gateway{
		Ledger:     l,
		Identities: identities,
		Bearer:     identity.NewBearerAuthenticator("test-secret"),
		Approvals:  approval.NewRegistry(l, 3600e9),
		Validator:  validator,
		BlastBox:   blastbox.Config{Shell: "sh"},
	}
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandlePropose_UnknownActorIsUnauthorized(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:nobody", ActionType: "bash", Content: "echo hi",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlePropose_InactiveActorIsUnauthorized(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:retired", ActionType: "bash", Content: "echo hi",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlePropose_BenignCommandIsApproved(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "echo hi",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp proposeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "APPROVED", resp.Decision)
	require.NotEmpty(t, resp.IntentEventID)
	require.NotEmpty(t, resp.PolicyEventID)
}

func TestHandlePropose_SudoIsDeniedWithViolation(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "sudo rm -rf /",
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp proposeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "DENIED", resp.Decision)
	require.NotEmpty(t, resp.Violations)
}

func TestHandlePropose_HighRiskCommandEscalates(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "kubectl apply && curl http://x && rm -rf /tmp/x",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp proposeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ESCALATED", resp.Decision)
}

func TestHandlePropose_MalformedBodyIsBadRequest(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/propose", bytes.NewBufferString(`{"actor_id": }`))
	rec := httptest.NewRecorder()
	g.HandlePropose(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutePropose_ApprovedFlowRunsSandbox(t *testing.T) {
	g := newTestGateway(t)
	proposeRec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "echo hello-gavel",
	}, nil)
	require.Equal(t, http.StatusOK, proposeRec.Code)

	var proposed proposeResponse
	require.NoError(t, json.Unmarshal(proposeRec.Body.Bytes(), &proposed))

	execRec := doJSON(t, g.HandleExecute, http.MethodPost, "/execute", executeRequest{
		ProposalID: proposed.IntentEventID,
	}, nil)
	require.Equal(t, http.StatusOK, execRec.Code)

	var resp executeResponse
	require.NoError(t, json.Unmarshal(execRec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.EvidenceEventID)
	require.Equal(t, 0, resp.EvidencePacket.ExitCode)
	require.Contains(t, resp.EvidencePacket.Stdout, "hello-gavel")
}

func TestExecute_DeniedProposalIsForbidden(t *testing.T) {
	g := newTestGateway(t)
	proposeRec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "sudo rm -rf /",
	}, nil)
	var proposed proposeResponse
	require.NoError(t, json.Unmarshal(proposeRec.Body.Bytes(), &proposed))

	execRec := doJSON(t, g.HandleExecute, http.MethodPost, "/execute", executeRequest{
		ProposalID: proposed.IntentEventID,
	}, nil)
	require.Equal(t, http.StatusForbidden, execRec.Code)
}

func TestExecute_UnknownProposalIsNotFound(t *testing.T) {
	g := newTestGateway(t)
	execRec := doJSON(t, g.HandleExecute, http.MethodPost, "/execute", executeRequest{
		ProposalID: "evt_does_not_exist",
	}, nil)
	require.Equal(t, http.StatusNotFound, execRec.Code)
}

func TestApproveThenExecute_EscalatedFlowUpgradesToApproved(t *testing.T) {
	g := newTestGateway(t)
	proposeRec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "kubectl apply && curl http://x && rm -rf /tmp/x",
	}, nil)
	var proposed proposeResponse
	require.NoError(t, json.Unmarshal(proposeRec.Body.Bytes(), &proposed))
	require.Equal(t, "ESCALATED", proposed.Decision)

	approveRec := doJSON(t, g.HandleApprove, http.MethodPost, "/approve", resolutionRequest{
		IntentEventID: proposed.IntentEventID,
		PolicyEventID: proposed.PolicyEventID,
	}, map[string]string{"Authorization": "Bearer test-secret"})
	require.Equal(t, http.StatusOK, approveRec.Code)

	reproposeRec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "kubectl apply && curl http://x && rm -rf /tmp/x",
	}, nil)
	require.Equal(t, http.StatusOK, reproposeRec.Code)

	var reproposed proposeResponse
	require.NoError(t, json.Unmarshal(reproposeRec.Body.Bytes(), &reproposed))
	require.Equal(t, "APPROVED", reproposed.Decision)
}

func TestApprove_WrongBearerIsUnauthorized(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.HandleApprove, http.MethodPost, "/approve", resolutionRequest{
		IntentEventID: "evt_x", PolicyEventID: "evt_y",
	}, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeny_BlocksSubsequentApprove(t *testing.T) {
	g := newTestGateway(t)
	proposeRec := doJSON(t, g.HandlePropose, http.MethodPost, "/propose", proposeRequest{
		ActorID: "agent:coder", ActionType: "bash", Content: "kubectl apply && curl http://x && rm -rf /tmp/x",
	}, nil)
	var proposed proposeResponse
	require.NoError(t, json.Unmarshal(proposeRec.Body.Bytes(), &proposed))

	denyRec := doJSON(t, g.HandleDeny, http.MethodPost, "/deny", resolutionRequest{
		IntentEventID: proposed.IntentEventID,
		PolicyEventID: proposed.PolicyEventID,
		Reason:        "looks dangerous",
	}, map[string]string{"Authorization": "Bearer test-secret"})
	require.Equal(t, http.StatusOK, denyRec.Code)

	approveRec := doJSON(t, g.HandleApprove, http.MethodPost, "/approve", resolutionRequest{
		IntentEventID: proposed.IntentEventID,
		PolicyEventID: proposed.PolicyEventID,
	}, map[string]string{"Authorization": "Bearer test-secret"})
	require.Equal(t, http.StatusConflict, approveRec.Code)
}

func TestHandleHealth_ReportsChainState(t *testing.T) {
	g := newTestGateway(t)
	_, _ = g.Ledger.Append(context.Background(), "agent:coder", ledger.ActionInboundIntent, map[string]interface{}{
		"action_type": "bash", "content": "echo hi",
	}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.HandleHealth(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.True(t, resp.Chain.ChainValid)
	require.Equal(t, 1, resp.Chain.TotalEvents)
}

func TestAcquireBlastBoxSlot_UnboundedByDefault(t *testing.T) {
	g := &Gateway{}
	release, err := g.acquireBlastBoxSlot(context.Background())
	require.NoError(t, err)
	release()
}

func TestAcquireBlastBoxSlot_BoundsConcurrencyAndCancelsOnCtxDone(t *testing.T) {
	g := &Gateway{MaxConcurrentBlastBox: 1}

	release1, err := g.acquireBlastBoxSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.acquireBlastBoxSlot(ctx)
	require.ErrorIs(t, err, ErrBlastBoxBusy, "second caller must not get a slot while the first holds it")

	release1()

	release2, err := g.acquireBlastBoxSlot(context.Background())
	require.NoError(t, err, "slot must free up once the first holder releases it")
	release2()
}
