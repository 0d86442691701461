// Package notify delivers the non-critical side effects of settlement:
// emails about received zaps, completed withdrawals and redeemed
// invites. Delivery is driven off the durable job queue, losing an
// email never loses money.
package notify

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/users"
)

var log = build.AddSubLogger("NTFY")

// ErrCouldNotSendEmail means the HTTP request to send an email did not
// get a success status code
var ErrCouldNotSendEmail = errors.New("could not send email")

// Sender can deliver the notifications settlement produces
type Sender interface {
	SendZapReceived(user users.User, itemID int, msats int64) error
	SendWithdrawalSettled(user users.User) error
	SendInviteRedeemed(user users.User) error
}

var _ Sender = SendGridSender{}
var _ Sender = NoopSender{}

// NewSendGridSender creates a sender backed by the SendGrid API
func NewSendGridSender(key string) SendGridSender {
	log.Info("Creating new SendGrid notification sender")
	return SendGridSender{client: sendgrid.NewSendClient(key)}
}

// SendGridSender sends notification emails through SendGrid
type SendGridSender struct {
	client *sendgrid.Client
}

func (s SendGridSender) SendZapReceived(user users.User, itemID int, msats int64) error {
	subject := fmt.Sprintf("You received %d sats", payins.MsatsToSatsFloor(msats))
	plain := fmt.Sprintf("Someone zapped %d sats to your item %d.",
		payins.MsatsToSatsFloor(msats), itemID)
	html := fmt.Sprintf("<p>Someone zapped <b>%d sats</b> to your item %d.</p>",
		payins.MsatsToSatsFloor(msats), itemID)
	return s.sendTo(user, subject, plain, html)
}

func (s SendGridSender) SendWithdrawalSettled(user users.User) error {
	const subject = "Withdrawal complete"
	const plain = "Your withdrawal settled, the sats are on their way."
	const html = "<p>Your withdrawal settled, the sats are on their way.</p>"
	return s.sendTo(user, subject, plain, html)
}

func (s SendGridSender) SendInviteRedeemed(user users.User) error {
	const subject = "Your invite was redeemed"
	const plain = "Someone joined through your invite link and received your gift."
	const html = "<p>Someone joined through your invite link and received your gift.</p>"
	return s.sendTo(user, subject, plain, html)
}

// sendTo delivers one email. Users without an email address are skipped
// silently, notifications are best effort.
func (s SendGridSender) sendTo(user users.User, subject, plain, html string) error {
	if user.Email == nil {
		log.WithField("user", user.ID).Debug("User has no email, skipping notification")
		return nil
	}
	to := getRecipient(user)
	from := mail.NewEmail("SN", "noreply@sn.example.com")
	message := mail.NewSingleEmail(from, subject, to, plain, html)

	response, err := s.send(message)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"recipient": to.Address,
		"status":    response.StatusCode,
	}).Info("Sent notification email")
	return nil
}

func (s SendGridSender) send(email *mail.SGMailV3) (*rest.Response, error) {
	response, err := s.client.Send(email)
	if err != nil {
		return nil, errors.Wrap(err, "could not send email")
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		log.WithFields(logrus.Fields{
			"status": response.StatusCode,
			"body":   response.Body,
		}).Error("Got error response when sending email")
		return response, errors.Wrapf(ErrCouldNotSendEmail, "status %d", response.StatusCode)
	}
	return response, nil
}

func getRecipient(user users.User) *mail.Email {
	name := ""
	if user.Alias != nil {
		name = *user.Alias
	}
	return mail.NewEmail(name, *user.Email)
}

// NoopSender drops every notification, for setups without a SendGrid
// key
type NoopSender struct{}

func (NoopSender) SendZapReceived(users.User, int, int64) error { return nil }
func (NoopSender) SendWithdrawalSettled(users.User) error       { return nil }
func (NoopSender) SendInviteRedeemed(users.User) error          { return nil }
