package notification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"
)

const subject = "allocation service notification"

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends plain text mail through an SMTP relay.
type EmailNotifier struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
	logger   *zap.Logger
}

func NewEmailNotifier(host string, port int, from, username, password string, logger *zap.Logger) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailNotifier{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

func (e *EmailNotifier) Send(ctx context.Context, destination, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", e.from, destination, subject, message)
	if err := e.sendMail(e.addr, e.auth, e.from, []string{destination}, []byte(body)); err != nil {
		return fmt.Errorf("send mail to %s: %w", destination, err)
	}
	e.logger.Info("notification sent", zap.String("to", destination))
	return nil
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Send(ctx context.Context, destination, message string) error {
	l.logger.Info("notification", zap.String("to", destination), zap.String("message", message))
	return nil
}
