package email

import (
	"context"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
)

// FailureAlerter emails the operations inbox when a job fails. It implements
// port.EventSink and ignores everything except terminal failure events, so it
// can sit directly in the fan-out chain. Sending happens off the caller's
// goroutine; a broken SMTP relay must never slow job processing down.
type FailureAlerter struct {
	host   string
	port   int
	from   string
	to     string
	logger *zap.Logger
}

func NewFailureAlerter(host string, port int, from, to string, logger *zap.Logger) *FailureAlerter {
	return &FailureAlerter{host: host, port: port, from: from, to: to, logger: logger}
}

// Publish implements port.EventSink.
func (a *FailureAlerter) Publish(_ context.Context, userID string, event any) {
	status, ok := event.(entity.JobStatusEvent)
	if !ok || status.Status != entity.JobStatusFailed {
		return
	}
	go a.send(userID, status)
}

func (a *FailureAlerter) send(userID string, ev entity.JobStatusEvent) {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)

	subject := fmt.Sprintf("Unpuzzle - Media Job Failed [Job %s]", ev.JobID)
	body := fmt.Sprintf(
		"A media processing job has failed.\r\n\r\n"+
			"Job ID: %s\r\n"+
			"User: %s\r\n"+
			"Videos: %d\r\n"+
			"Progress: %d%%\r\n"+
			"Error: %s\r\n\r\n"+
			"-- Unpuzzle Media Dispatcher",
		ev.JobID, userID, ev.VideoCount, ev.Progress, ev.Error,
	)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		a.from, a.to, subject, body,
	)

	if err := smtp.SendMail(addr, nil, a.from, []string{a.to}, []byte(msg)); err != nil {
		a.logger.Error("failed to send failure alert email",
			zap.String("to", a.to),
			zap.String("job_id", ev.JobID),
			zap.Error(err),
		)
		return
	}

	a.logger.Info("failure alert email sent",
		zap.String("to", a.to),
		zap.String("job_id", ev.JobID),
	)
}
