package notify

import (
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// EmailConfig contains SMTP server settings
type EmailConfig struct {
	Host       string
	Port       int
	FromName   string
	Username   string
	Password   string
	Recipients string // comma separated
}

func (c EmailConfig) configured() bool {
	return c.Host != "" && c.Username != "" && c.Recipients != ""
}

func (c EmailConfig) recipients() []string {
	var out []string
	for _, r := range strings.Split(c.Recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func reportBody(r Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Calibration finished for room %s.\n\n", r.RoomID)
	fmt.Fprintf(&b, "Speakers:      %s\n", strings.Join(r.Speakers, ", "))
	fmt.Fprintf(&b, "Points:        %d\n", len(r.Points))
	fmt.Fprintf(&b, "Target volume: %.1f\n", r.TargetVolume)
	if r.StartVolume > 0 {
		fmt.Fprintf(&b, "Start volume:  %.0f\n", r.StartVolume)
	}
	fmt.Fprintf(&b, "Time:          %s\n", r.FinishedAt.Format("2006-01-02 15:04:05"))

	if len(r.Points) > 0 {
		b.WriteString("\nMeasurements:\n")
		for _, p := range r.Points {
			fmt.Fprintf(&b, "  (%.0f, %.0f) %-12s %.1f\n", p.X, p.Y, p.SpeakerID, p.Volume)
		}
	}

	return b.String()
}

// buildMessage composes the report email
func buildMessage(cfg EmailConfig, r Report) (*mail.Msg, error) {
	recipients := cfg.recipients()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no valid recipients")
	}

	m := mail.NewMsg()
	if cfg.FromName != "" {
		if err := m.FromFormat(cfg.FromName, cfg.Username); err != nil {
			return nil, fmt.Errorf("set from address: %w", err)
		}
	} else {
		if err := m.From(cfg.Username); err != nil {
			return nil, fmt.Errorf("set from address: %w", err)
		}
	}
	if err := m.To(recipients...); err != nil {
		return nil, fmt.Errorf("set recipient address: %w", err)
	}
	m.Subject(fmt.Sprintf("[CALIBRATION] Room %s finished", r.RoomID))
	m.SetBodyString(mail.TypeTextPlain, reportBody(r))

	return m, nil
}

// sendEmail delivers the report to the configured recipients
func sendEmail(cfg EmailConfig, r Report) error {
	m, err := buildMessage(cfg, r)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}

	switch cfg.Port {
	case 465: // SMTPS - implicit TLS
		opts = append(opts, mail.WithSSL())
	case 587: // Submission - STARTTLS required
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default: // Port 25 or custom - opportunistic TLS
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}

	if err := c.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	return nil
}
