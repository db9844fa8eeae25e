// Package chatbridge supplements utils.send_msg, referenced throughout
// _examples/original_source/src/kubedoor-agent (admis_service.py,
// scale_service.py, restart_service.py all call it after every mutating
// operation and cordon/uncordon failure) but not itself present in the
// filtered original_source file list. The interface shape — fire and
// forget, never block or fail the caller — follows
// jordigilh-kubernaut's pkg/notification/delivery.Service pattern; the
// concrete implementation posts to Slack via github.com/slack-go/slack,
// a real dependency declared in that repo's go.mod.
package chatbridge

import (
	"context"
	"time"

	"github.com/slack-go/slack"
	"k8s.io/klog/v2"
)

// Notifier sends a best-effort outbound notification. Implementations
// must never block the caller for long and must never propagate a
// delivery failure back up — the original's send_msg is fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, message string)
}

const sendTimeout = 5 * time.Second

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier builds a Notifier bound to a Slack incoming webhook
// URL. An empty webhookURL yields a no-op notifier (used when MSG_TOKEN
// / chat integration isn't configured for a deployment).
func NewSlackNotifier(webhookURL string) Notifier {
	if webhookURL == "" {
		return noop{}
	}
	return &SlackNotifier{webhookURL: webhookURL}
}

func (s *SlackNotifier) Send(ctx context.Context, message string) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	msg := &slack.WebhookMessage{Text: message}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		klog.Warningf("chatbridge: send failed (ignored): %v", err)
	}
}

type noop struct{}

func (noop) Send(context.Context, string) {}
