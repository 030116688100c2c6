package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WorkflowScanner/internal/domain"
)

func draft() domain.DraftCreated {
	return domain.DraftCreated{
		WorkflowID:    "wf-1",
		VisaTypeCode:  "H1B",
		CountryCode:   "AD",
		Version:       2,
		Source:        domain.SourceEmbassy,
		AddedSteps:    []string{"interview"},
		RemovedSteps:  []string{},
		ModifiedSteps: []string{"medical_exam"},
		TotalChanges:  2,
	}
}

func TestFormatDraft(t *testing.T) {
	t.Parallel()

	got := FormatDraft(draft())
	assert.Equal(t, "*New draft:* H1B / AD v2\n"+
		"Source: Embassy\n"+
		"Changes: 2\n"+
		"Added: interview\n"+
		"Modified: medical\\_exam\n"+
		"`wf-1`", got)

	unchanged := draft()
	unchanged.TotalChanges = 0
	assert.Contains(t, FormatDraft(unchanged), "No step changes")
}

func TestFormatDraftEscapesMarkdownInKeys(t *testing.T) {
	t.Parallel()

	ev := draft()
	ev.AddedSteps = []string{"fee_payment", "form*ds_160", "see[link]", "code`x"}
	ev.ModifiedSteps = []string{"medical_exam"}
	ev.TotalChanges = 5

	got := FormatDraft(ev)
	assert.Contains(t, got, "Added: fee\\_payment, form\\*ds\\_160, see\\[link], code\\`x\n")
	assert.Contains(t, got, "Modified: medical\\_exam\n")
	assert.NotContains(t, got, "fee_payment")
	// only the bold header and the id code span remain as entities
	assert.Equal(t, 2, strings.Count(got, "*")-strings.Count(got, "\\*"))
	assert.Equal(t, 2, strings.Count(got, "`")-strings.Count(got, "\\`"))
}

func TestPublishDraftPostsForm(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotPath = r.URL.Path
		gotForm = map[string]string{
			"chat_id":    r.PostForm.Get("chat_id"),
			"parse_mode": r.PostForm.Get("parse_mode"),
			"text":       r.PostForm.Get("text"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier("token", "-100")
	n.apiBase = srv.URL

	require.NoError(t, n.PublishDraft(context.Background(), draft()))
	assert.Equal(t, "/bottoken/sendMessage", gotPath)
	assert.Equal(t, "-100", gotForm["chat_id"])
	assert.Equal(t, "Markdown", gotForm["parse_mode"])
	assert.Contains(t, gotForm["text"], "H1B / AD v2")
	assert.Contains(t, gotForm["text"], "Modified: medical\\_exam")
}

func TestPublishDraftErrors(t *testing.T) {
	t.Parallel()

	require.Error(t, NewNotifier("", "-100").PublishDraft(context.Background(), draft()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier("token", "-100")
	n.apiBase = srv.URL
	err := n.PublishDraft(context.Background(), draft())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
