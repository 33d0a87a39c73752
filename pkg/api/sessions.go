package api

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// createSessionRequest is the body of POST /v1/sessions: a user asking for
// a sandbox against one repo/branch.
type createSessionRequest struct {
	UserID        string `json:"userId"`
	RepoID        string `json:"repoId"`
	TeamID        string `json:"teamId"`
	Branch        string `json:"branch"`
	WorkingBranch string `json:"workingBranch"`
}

type createSessionResponse struct {
	SessionID     string `json:"sessionId"`
	SandboxID     string `json:"sandboxId"`
	SandboxStatus string `json:"sandboxStatus"`
}

// createSession implements the request-a-sandbox flow: assign a ready pool
// entry if one fits, otherwise queue a fresh sandbox for the scheduler's
// process-requested task, then bind the new sandbox to a new session.
func (s *Server) createSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed request body"})
	}
	if req.UserID == "" || req.RepoID == "" || req.Branch == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userId, repoId and branch are required"})
	}

	sb, err := s.requestSandbox(c.Context(), req.UserID, req.RepoID, req.TeamID, req.Branch)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	now := time.Now().UTC()
	session := &types.Session{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		RepoID:        req.RepoID,
		Branch:        req.Branch,
		SandboxID:     sb.ID,
		WorkingBranch: req.WorkingBranch,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if err := s.manager.CreateSession(session); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	sb.SessionID = session.ID
	if err := s.manager.UpdateSandbox(sb); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(createSessionResponse{
		SessionID:     session.ID,
		SandboxID:     sb.ID,
		SandboxStatus: string(sb.Status),
	})
}

// requestSandbox implements the assignment algorithm: try the pool first,
// falling back to a fresh "requested" sandbox the scheduler's
// process-requested task will pick up. A pool hit is handed straight to the
// setup coordinator since it already has a host placement; a cold start
// only gets its placement once process-requested calls CreateSandbox.
func (s *Server) requestSandbox(ctx context.Context, ownerID, repoID, teamID, branch string) (*types.Sandbox, error) {
	entry, err := s.pool.Assign(repoID)
	if err != nil {
		return nil, fmt.Errorf("assign pool entry: %w", err)
	}

	now := time.Now().UTC()
	sb := &types.Sandbox{
		ID:           uuid.New().String(),
		RepoID:       repoID,
		TeamID:       teamID,
		OwnerID:      ownerID,
		TargetBranch: branch,
		CreatedAt:    now,
	}

	if entry != nil {
		sb.Name = entry.ID
		sb.HostSandboxID = entry.HostSandboxID
		sb.HostPort = entry.HostPort
		sb.APISecret = entry.APISecret
		sb.Status = types.SandboxCloning
		sb.StatusChangedAt = now
		sb.History = []types.StatusEvent{{Status: types.SandboxCloning, Timestamp: now, Reason: "pool_assigned"}}
		if err := s.manager.CreateSandbox(sb); err != nil {
			return nil, fmt.Errorf("commit pool-assigned sandbox: %w", err)
		}
		if err := s.setup.Run(ctx, sb); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("setup failed for pool-assigned sandbox")
		}
		return sb, nil
	}

	secret, err := controlplane.GenerateAPISecret()
	if err != nil {
		return nil, fmt.Errorf("generate sandbox api secret: %w", err)
	}
	sb.Name = "sbx-" + sb.ID
	sb.APISecret = secret
	sb.Status = types.SandboxRequested
	sb.StatusChangedAt = now
	sb.History = []types.StatusEvent{{Status: types.SandboxRequested, Timestamp: now, Reason: "user_request"}}
	if err := s.manager.CreateSandbox(sb); err != nil {
		return nil, fmt.Errorf("commit requested sandbox: %w", err)
	}
	s.manager.PublishEvent(&types.Event{Type: events.EventSandboxRequested, SandboxID: sb.ID, Message: repoID})
	return sb, nil
}
