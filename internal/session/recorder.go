package session

import (
	"context"
	"time"

	"causeway/internal/logging"
	"causeway/internal/store"
)

// Store is the subset of the rule store used to record sessions.
type Store interface {
	UpsertProject(ctx context.Context, path string) (int64, error)
	UpsertSession(ctx context.Context, s store.Session) error
	AppendTurns(ctx context.Context, sessionID string, turns []store.Turn) (int, error)
	EndSession(ctx context.Context, id string, at time.Time) error
}

// Record stores the transcript's project, session and new turns, and stamps
// the session as ended. sessionID and cwd from the host take precedence over
// values found in the transcript. Re-recording the same transcript adds
// nothing.
func Record(ctx context.Context, st Store, tr *Transcript, sessionID, cwd, transcriptPath string) (string, error) {
	if sessionID == "" {
		sessionID = tr.SessionID
	}
	if cwd == "" {
		cwd = tr.Cwd
	}
	if sessionID == "" {
		return "", &TranscriptError{Path: transcriptPath, Err: errNoSessionID}
	}

	var projectID int64
	if cwd != "" {
		id, err := st.UpsertProject(ctx, cwd)
		if err != nil {
			return "", err
		}
		projectID = id
	}
	if err := st.UpsertSession(ctx, store.Session{
		ID:             sessionID,
		ProjectID:      projectID,
		TranscriptPath: transcriptPath,
		StartedAt:      tr.StartedAt,
	}); err != nil {
		return "", err
	}
	added, err := st.AppendTurns(ctx, sessionID, tr.Turns)
	if err != nil {
		return "", err
	}
	if err := st.EndSession(ctx, sessionID, time.Time{}); err != nil {
		return "", err
	}
	logging.Session("Recorded session %s (%d new turns, project=%s)", sessionID, added, cwd)
	return sessionID, nil
}
