package adapters

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// Attachment is one file carried by an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// MailMessage is a fully assembled outgoing email.
type MailMessage struct {
	To          []string
	CC          []string
	Subject     string
	Body        string
	Attachments []Attachment
	ReadReceipt bool
}

// Sender delivers mail. The SMTP implementation talks to a relay; tests
// substitute a fake.
type Sender interface {
	Send(ctx context.Context, msg MailMessage) error
	Ping(ctx context.Context) error
}

// EmailAdapter submits packages to servicers that accept documents over
// email (including email-to-fax gateways). Delivery is best effort: the
// relay accepting the message only proves transmission, not receipt, so
// results report StatusTransmitted with DeliveryConfirmed false.
type EmailAdapter struct {
	cfg    models.ServicerConfig
	sender Sender
	logger *slog.Logger
}

func NewEmailAdapter(cfg models.ServicerConfig, sender Sender, logger *slog.Logger) *EmailAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailAdapter{cfg: cfg, sender: sender, logger: logger}
}

func (e *EmailAdapter) Config() models.ServicerConfig { return e.cfg }

func (e *EmailAdapter) Validate(sub models.Submission) models.ValidationResult {
	issues := validatePackage(e.cfg, sub, true)
	return models.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

const defaultSubjectTemplate = "Loss Mitigation Submission {submission_id} - Loan {loan_number}"

const defaultBodyTemplate = `Please find attached the loss mitigation document package.

Submission: {submission_id}
Loan number: {loan_number}
Borrower: {borrower}
Documents attached: {document_count}
`

// Submit assembles one MIME message carrying every document as an attachment
// and hands it to the relay, retrying transient delivery failures.
func (e *EmailAdapter) Submit(ctx context.Context, sub models.Submission) models.SubmissionResult {
	if issues := validatePackage(e.cfg, sub, true); len(issues) > 0 {
		return validationFailure(sub, e.cfg.ID, issues)
	}

	msg := e.buildMessage(sub)
	attempts := maxAttempts(e.cfg)
	base := retryBackoff(e.cfg)

	var lastErr error
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(base, attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		tried = attempt
		if err := e.sender.Send(ctx, msg); err != nil {
			lastErr = err
			e.logger.Warn("email delivery attempt failed",
				"servicer", e.cfg.ID,
				"submission", sub.ID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		return models.SubmissionResult{
			SubmissionID:      sub.ID,
			ServicerID:        e.cfg.ID,
			Status:            models.StatusTransmitted,
			Attempts:          attempt,
			DeliveryConfirmed: false,
			CompletedAt:       time.Now(),
		}
	}

	return models.SubmissionResult{
		SubmissionID: sub.ID,
		ServicerID:   e.cfg.ID,
		Status:       models.StatusFailed,
		Attempts:     tried,
		Failure: &models.Failure{
			Kind:      models.FailureTransport,
			Message:   fmt.Sprintf("mail delivery failed: %v", lastErr),
			Retryable: true,
		},
		CompletedAt: time.Now(),
	}
}

func (e *EmailAdapter) buildMessage(sub models.Submission) MailMessage {
	docs := orderDocuments(sub.Documents, e.cfg.DocumentOrder)
	attachments := make([]Attachment, 0, len(docs))
	for i, doc := range docs {
		attachments = append(attachments, Attachment{
			Filename:    renderDocumentName(e.cfg.NamingTemplate, sub, doc, i),
			ContentType: contentTypeFor(doc.Format),
			Content:     doc.Content,
		})
	}

	msg := MailMessage{
		To:          []string{e.cfg.Endpoint},
		Subject:     renderText(e.cfg.SubjectTemplate, defaultSubjectTemplate, sub),
		Body:        renderText(e.cfg.BodyTemplate, defaultBodyTemplate, sub),
		Attachments: attachments,
		ReadReceipt: e.cfg.ReadReceipt,
	}
	if e.cfg.ConfirmationCC != "" {
		msg.CC = []string{e.cfg.ConfirmationCC}
	}
	return msg
}

// TestConnection verifies the relay is reachable and accepts the configured
// credentials.
func (e *EmailAdapter) TestConnection(ctx context.Context) models.ConnectionStatus {
	if err := e.sender.Ping(ctx); err != nil {
		return models.ConnectionStatus{Success: false, Message: err.Error()}
	}
	return models.ConnectionStatus{Success: true, Message: "mail relay reachable"}
}

// renderText fills the {placeholder} convention shared with document naming.
func renderText(tmpl, fallback string, sub models.Submission) string {
	if tmpl == "" {
		tmpl = fallback
	}
	replacer := strings.NewReplacer(
		"{submission_id}", sub.ID,
		"{submission_type}", sub.Type,
		"{loan_number}", sub.Metadata["loan_number"],
		"{borrower}", sub.Metadata["borrower_name"],
		"{document_count}", strconv.Itoa(len(sub.Documents)),
	)
	return replacer.Replace(tmpl)
}

func contentTypeFor(format string) string {
	if t := mime.TypeByExtension("." + strings.ToLower(format)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// SMTPSender delivers mail through a single relay using STARTTLS and PLAIN
// auth when credentials are configured.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
}

func NewSMTPSender(host string, port int, username, password, from string, timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		timeout:  timeout,
	}
}

func (s *SMTPSender) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *SMTPSender) Send(ctx context.Context, msg MailMessage) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range append(append([]string{}, msg.To...), msg.CC...) {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(encodeMessage(s.from, msg)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// Ping opens a connection, negotiates STARTTLS and authenticates, proving
// the relay and credentials work without sending anything.
func (s *SMTPSender) Ping(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Quit()
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, fmt.Errorf("dial mail relay: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client, nil
}

// encodeMessage renders the RFC 2045 multipart/mixed payload with base64
// encoded attachments.
func encodeMessage(from string, msg MailMessage) []byte {
	const boundary = "servicer-engine-package"

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	if msg.ReadReceipt {
		fmt.Fprintf(&buf, "Disposition-Notification-To: %s\r\n", from)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(msg.Body)
	buf.WriteString("\r\n")

	for _, att := range msg.Attachments {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", att.ContentType)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", att.Filename)

		encoded := base64.StdEncoding.EncodeToString(att.Content)
		for len(encoded) > 0 {
			line := encoded
			if len(line) > 76 {
				line = line[:76]
			}
			buf.WriteString(line)
			buf.WriteString("\r\n")
			encoded = encoded[len(line):]
		}
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}
