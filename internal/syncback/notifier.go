package syncback

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-syncback/pkg/types"
)

// Notifier receives the outcome of every executed action
type Notifier interface {
	ActionSucceeded(a *types.Action)
	ActionRetryScheduled(a *types.Action, err error, next time.Time)
	ActionFailed(a *types.Action, err error)
}

// LogNotifier reports outcomes to the log. Permanent failures are logged at
// error level so operators can alert on them.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a notifier writing to logger
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) entry(a *types.Action) *logrus.Entry {
	return n.logger.WithFields(logrus.Fields{
		"account":   a.AccountID,
		"action_id": a.ID,
		"kind":      a.Kind,
		"target_id": a.TargetID,
		"attempt":   a.Attempts,
	})
}

func (n *LogNotifier) ActionSucceeded(a *types.Action) {
	n.entry(a).Info("Action succeeded")
}

func (n *LogNotifier) ActionRetryScheduled(a *types.Action, err error, next time.Time) {
	n.entry(a).WithError(err).WithField("next_attempt_at", next).Warn("Action failed, retry scheduled")
}

func (n *LogNotifier) ActionFailed(a *types.Action, err error) {
	n.entry(a).WithError(err).WithField("alert", true).Error("Action permanently failed")
}
