package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"harvest-core/lib/telemetry"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel/codes"
)

var tracer = telemetry.Tracer("harvest.lib.notify")

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
	// addresses halt notifications go to
	To []string `json:"to"`
}

// Mailer emails operators when a run halts. a zero-config Mailer is
// valid and sends nothing.
type Mailer struct {
	config SmtpConfig
}

func NewMailer(config SmtpConfig) Mailer {
	return Mailer{config: config}
}

func (m Mailer) Enabled() bool {
	return m.config.Server != "" && len(m.config.To) > 0
}

func (m Mailer) RunHalted(ctx context.Context, pipeline, runID, step string, cause error) error {
	_, span := tracer.Start(ctx, "notify:RunHalted")
	defer span.End()

	if !m.Enabled() {
		return nil
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Harvest <%s>", m.config.EmailAddress)
	mail.To = m.config.To
	mail.Subject = fmt.Sprintf("Harvest run halted: %s", pipeline)

	body := fmt.Sprintf(`The %q pipeline halted during step %q.

Run:   %s
Error: %v

Completed steps kept their checkpoints. Resume the run with:

  harvest run %s --run %s`, pipeline, step, runID, cause, pipeline, runID)
	mail.Text = []byte(body)

	err := m.send(mail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}
	return nil
}

func (m Mailer) send(mail *email.Email) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	err := mail.Send(addr, smtp.PlainAuth("", m.config.EmailAddress, m.config.Password, m.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		// local relays and test servers refuse AUTH entirely
		return mail.Send(addr, nil)
	}
	return err
}
