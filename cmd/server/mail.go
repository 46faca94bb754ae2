package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"text/template"

	"github.com/gookit/color"

	"github.com/wispberry-tech/wispy-guard/core"
)

// mailTemplate is an outgoing message before rendering.
type mailTemplate struct {
	Subject string
	Body    string
}

// mailData is what templates are rendered with.
type mailData struct {
	AppName string
	User    *core.User
	Link    string
}

type mailMessage struct {
	To      string
	Subject string
	Body    string
}

var (
	resetTemplate = mailTemplate{
		Subject: "Reset your {{.AppName}} password",
		Body: "Hi {{.User.Name}},\n\nUse the link below to reset your password. It expires in one hour.\n\n" +
			"{{.Link}}\n\nIf you didn't request this, ignore this email.\n",
	}
	verifyTemplate = mailTemplate{
		Subject: "Verify your email address",
		Body:    "Hi {{.User.Name}},\n\nConfirm your email address for {{.AppName}}:\n\n{{.Link}}\n",
	}
)

// outbox renders account emails. No mail transport is wired, so outside
// production messages are printed to the console and otherwise dropped.
type outbox struct {
	appName    string
	publicURL  string
	production bool
}

func newOutbox(appName, publicURL, environment string) *outbox {
	return &outbox{
		appName:    appName,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
		production: environment == "production",
	}
}

func (o *outbox) render(tmpl mailTemplate, user *core.User, path, token string) (*mailMessage, error) {
	data := mailData{
		AppName: o.appName,
		User:    user,
		Link:    o.publicURL + path + "?token=" + url.QueryEscape(token),
	}

	subject, err := renderString(tmpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	body, err := renderString(tmpl.Body, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}
	return &mailMessage{To: user.Email, Subject: subject, Body: body}, nil
}

func (o *outbox) deliver(msg *mailMessage, userID string) {
	if o.production {
		slog.Warn("No mail transport configured, message dropped", "user_id", userID, "subject", msg.Subject)
		return
	}
	color.Cyan.Printf("To: %s\nSubject: %s\n\n", msg.To, msg.Subject)
	fmt.Println(msg.Body)
}

func (o *outbox) passwordReset(_ context.Context, user *core.User, token string) error {
	msg, err := o.render(resetTemplate, user, "/reset-password", token)
	if err != nil {
		return err
	}
	o.deliver(msg, user.ID)
	return nil
}

func (o *outbox) emailVerification(_ context.Context, user *core.User, token string) error {
	msg, err := o.render(verifyTemplate, user, "/verify-email", token)
	if err != nil {
		return err
	}
	o.deliver(msg, user.ID)
	return nil
}

func renderString(text string, data any) (string, error) {
	tmpl, err := template.New("mail").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
