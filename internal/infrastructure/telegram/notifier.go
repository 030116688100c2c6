package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// markdownEscaper escapes the legacy Markdown entity markers outside entities.
var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// Notifier tells reviewers about new drafts via the Telegram bot API.
type Notifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.DraftPublisher = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		apiBase:  defaultAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// PublishDraft posts a Markdown summary of the draft to the chat.
func (n *Notifier) PublishDraft(ctx context.Context, event domain.DraftCreated) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", FormatDraft(event))
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

// FormatDraft renders the review message for one draft.
func FormatDraft(event domain.DraftCreated) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*New draft:* %s / %s v%d\n",
		markdownEscaper.Replace(event.VisaTypeCode), markdownEscaper.Replace(event.CountryCode), event.Version)
	fmt.Fprintf(&b, "Source: %s\n", markdownEscaper.Replace(event.Source))
	if event.TotalChanges == 0 {
		b.WriteString("No step changes against the approved version.\n")
	} else {
		fmt.Fprintf(&b, "Changes: %d\n", event.TotalChanges)
		writeKeys(&b, "Added", event.AddedSteps)
		writeKeys(&b, "Removed", event.RemovedSteps)
		writeKeys(&b, "Modified", event.ModifiedSteps)
	}
	fmt.Fprintf(&b, "`%s`", strings.ReplaceAll(event.WorkflowID, "`", ""))
	return b.String()
}

func writeKeys(b *strings.Builder, label string, keys []string) {
	if len(keys) == 0 {
		return
	}
	escaped := make([]string, 0, len(keys))
	for _, k := range keys {
		escaped = append(escaped, markdownEscaper.Replace(k))
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(escaped, ", "))
}
