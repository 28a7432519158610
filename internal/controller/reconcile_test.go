package controller

import (
	"testing"
	"time"

	"InsightChat/internal/backend"
	"InsightChat/internal/session"

	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	prior := int64(5)
	list := []session.Message{
		{ID: &prior, Role: session.RoleAssistant, Content: "earlier"},
		{Role: session.RoleUser, Content: "chart it"},
	}
	res := &backend.SendResult{
		Reply: "done",
		User: backend.MessageMeta{ID: 7, Attachments: []session.Attachment{
			{ID: 1, Kind: session.KindCSV, Path: "/u/data.csv"},
		}},
		Assistant: backend.MessageMeta{ID: 8},
	}

	out := Reconcile(list, res, at)

	require.Len(t, out, 3)
	require.Equal(t, []string{"earlier", "chart it", "done"}, contents(out))
	require.Equal(t, int64(5), *out[0].ID)
	require.Equal(t, int64(7), *out[1].ID)
	require.Len(t, out[1].Attachments, 1)
	require.Equal(t, int64(8), *out[2].ID)
	require.Equal(t, session.RoleAssistant, out[2].Role)
	require.True(t, out[2].Timestamp.Equal(at))

	require.Len(t, list, 2, "input list is not modified")
	require.Nil(t, list[1].ID)
	require.Empty(t, list[1].Attachments)
}

func TestReconcileLeavesConfirmedMessagesAlone(t *testing.T) {
	confirmed := int64(3)
	list := []session.Message{
		{ID: &confirmed, Role: session.RoleUser, Content: "already known",
			Attachments: []session.Attachment{{ID: 9, Kind: session.KindImage}}},
	}
	res := &backend.SendResult{
		Reply:     "reply",
		User:      backend.MessageMeta{ID: 99, Attachments: []session.Attachment{{ID: 10}}},
		Assistant: backend.MessageMeta{},
	}

	out := Reconcile(list, res, time.Now())
	require.Len(t, out, 2)
	require.Equal(t, int64(3), *out[0].ID)
	require.Equal(t, int64(9), out[0].Attachments[0].ID)
	require.Nil(t, out[1].ID, "no id without confirmation")
}

func TestReconcileEmptyList(t *testing.T) {
	out := Reconcile(nil, &backend.SendResult{Reply: "hi", Assistant: backend.MessageMeta{ID: 1}}, time.Now())
	require.Len(t, out, 1)
	require.Equal(t, "hi", out[0].Content)
}
