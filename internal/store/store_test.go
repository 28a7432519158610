package store

import (
	"path/filepath"
	"testing"
	"time"

	"InsightChat/internal/session"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionsRoundTrip(t *testing.T) {
	s := openStore(t)
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	in := []session.Session{
		{ID: "b", Title: "Newest", CreatedAt: created, UpdatedAt: created.Add(time.Hour), LastMessage: "bye", MessageCount: 6},
		{ID: "a", Title: "Older", CreatedAt: created, UpdatedAt: created, MessageCount: 2},
		{ID: "local-1", Title: "New chat", Local: true},
	}
	require.NoError(t, s.SaveSessions(in))

	out, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, []string{"b", "a", "local-1"}, []string{out[0].ID, out[1].ID, out[2].ID})
	require.True(t, out[0].UpdatedAt.Equal(created.Add(time.Hour)))
	require.Equal(t, "bye", out[0].LastMessage)
	require.Equal(t, 6, out[0].MessageCount)
	require.True(t, out[2].Local)
	require.False(t, out[1].Local)

	require.NoError(t, s.SaveSessions(in[:1]))
	out, err = s.Sessions()
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestMessagesSnapshot(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Messages("missing")
	require.NoError(t, err)
	require.False(t, ok)

	id1, id2 := int64(1), int64(2)
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []session.Message{
		{ID: &id1, Role: session.RoleUser, Content: "plot price", Timestamp: ts,
			Attachments: []session.Attachment{{ID: 7, Kind: session.KindCSV, Path: "/u/data.csv", OriginalName: "data.csv", PublicURL: "http://api/static/data.csv"}}},
		{ID: &id2, Role: session.RoleAssistant, Content: "done", Timestamp: ts.Add(time.Second)},
		{Role: session.RoleAssistant, Content: "Error: boom", Timestamp: ts.Add(2 * time.Second)},
	}

	changed, err := s.SaveMessages("s1", msgs)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.SaveMessages("s1", session.CloneMessages(msgs))
	require.NoError(t, err)
	require.False(t, changed, "identical snapshot must not be rewritten")

	out, ok, err := s.Messages("s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, out, 3)
	require.Equal(t, int64(1), *out[0].ID)
	require.Equal(t, session.RoleUser, out[0].Role)
	require.True(t, out[0].Timestamp.Equal(ts))
	require.Equal(t, msgs[0].Attachments, out[0].Attachments)
	require.Empty(t, out[1].Attachments)
	require.Nil(t, out[2].ID)
	require.Equal(t, "Error: boom", out[2].Content)

	changed, err = s.SaveMessages("s1", msgs[:1])
	require.NoError(t, err)
	require.True(t, changed)
	out, _, err = s.Messages("s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestEmptySnapshotIsKnown(t *testing.T) {
	s := openStore(t)
	_, err := s.SaveMessages("fresh", nil)
	require.NoError(t, err)

	out, ok, err := s.Messages("fresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, out)
}
