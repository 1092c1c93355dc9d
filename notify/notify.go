// Package notify emails dataset owners when a revision reaches a terminal
// status.
package notify

import (
	"bytes"
	"context"
	"sync"
	"text/template"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const charset = "UTF-8"

// Message is one rendered email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

type Notifier interface {
	Send(ctx context.Context, msg *Message) error
}

// RevisionNotice is everything the templates may show about a revision.
type RevisionNotice struct {
	To               []string
	RevisionID       int
	DatasetID        int
	FeedName         string
	ShortDescription string
	Comments         string
	Published        time.Time
	DatasetLink      string
	ReportLink       string
	Status           string
	Error            string
}

var london = mustLoadLocation("Europe/London")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// LocalTime renders t in UK local time.
func LocalTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(london).Format("15:04 02/01/2006")
}

var funcs = template.FuncMap{"local": LocalTime}

var failureTemplate = template.Must(template.New("failure").Funcs(funcs).Parse(
	"Hello, \n\n" +
		"The following data set has failed to upload:\n\n" +
		"Data set/feed name: {{.FeedName}}\n" +
		"Data set ID: {{.DatasetID}}\n" +
		"Revision ID: {{.RevisionID}}\n" +
		"Time of upload: {{local .Published}}\n" +
		"Short description: {{.ShortDescription}}\n" +
		"Comments: {{.Comments}}\n" +
		"Link to data set: {{.DatasetLink}}\n" +
		"{{if .ReportLink}}Validation report: {{.ReportLink}}\n{{end}}" +
		"{{if .Error}}\nReason: {{.Error}}\n{{end}}" +
		"\nPlease log in to review the data set and upload a corrected file.\n"))

var publishedTemplate = template.Must(template.New("published").Funcs(funcs).Parse(
	"Hello, \n\n" +
		"The following data set has been processed:\n\n" +
		"Data set/feed name: {{.FeedName}}\n" +
		"Data set ID: {{.DatasetID}}\n" +
		"Revision ID: {{.RevisionID}}\n" +
		"Status: {{.Status}}\n" +
		"Time of upload: {{local .Published}}\n" +
		"Short description: {{.ShortDescription}}\n" +
		"Comments: {{.Comments}}\n" +
		"Link to data set: {{.DatasetLink}}\n"))

func render(t *template.Template, n RevisionNotice) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, n); err != nil {
		return "", errors.Wrapf(err, "unable to render %s email", t.Name())
	}
	return buf.String(), nil
}

// Failure renders the email sent when a revision ends in error.
func Failure(n RevisionNotice) (*Message, error) {
	body, err := render(failureTemplate, n)
	if err != nil {
		return nil, err
	}
	return &Message{To: n.To, Subject: "Error processing data set: " + n.FeedName, Body: body}, nil
}

// Published renders the email sent when a revision is processed successfully.
func Published(n RevisionNotice) (*Message, error) {
	body, err := render(publishedTemplate, n)
	if err != nil {
		return nil, err
	}
	return &Message{To: n.To, Subject: "Data set processed: " + n.FeedName, Body: body}, nil
}

type SES struct {
	svc  *ses.SES
	from string
}

func NewSES(sess *session.Session, from string) *SES {
	return &SES{svc: ses.New(sess), from: from}
}

func (s *SES) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		log.WithField("subject", msg.Subject).Warn("email has no recipients, skipping")
		return nil
	}
	_, err := s.svc.SendEmailWithContext(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &ses.Destination{ToAddresses: aws.StringSlice(msg.To)},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String(charset), Data: aws.String(msg.Subject)},
			Body: &ses.Body{
				Text: &ses.Content{Charset: aws.String(charset), Data: aws.String(msg.Body)},
			},
		},
	})
	return errors.Wrapf(err, "unable to send %q", msg.Subject)
}

// Memory records messages instead of sending them.
type Memory struct {
	mu   sync.Mutex
	sent []*Message
}

func (m *Memory) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sent() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.sent...)
}
