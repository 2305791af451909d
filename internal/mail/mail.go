// Package mail 渲染模板邮件并交给发送通道。
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/d60-Lab/suggestion-votes/pkg/logger"
)

// ErrUnknownTemplate 模板名未注册
var ErrUnknownTemplate = errors.New("unknown mail template")

// Message 待发送的邮件，Data 用于填充模板
type Message struct {
	To       string
	Subject  string
	Template string
	Data     map[string]string
}

// Mailer 发送邮件
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

var templates = template.Must(template.New("mail").Option("missingkey=zero").Parse(`
{{define "suggestion-approved"}}Hi {{.name}},

Your suggestion "{{.suggestion}}" reached the community threshold and is now approved.
{{end}}
{{define "welcome"}}Welcome, {{.name}}!
{{end}}
{{define "digest"}}{{.body}}
{{end}}
`))

// Render 返回 m 渲染后的正文
func Render(m Message) (string, error) {
	t := templates.Lookup(m.Template)
	if t == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, m.Template)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, m.Data); err != nil {
		return "", fmt.Errorf("render %s: %w", m.Template, err)
	}
	return buf.String(), nil
}

// LogMailer 渲染后写日志，不真正发送
type LogMailer struct{}

func NewLogMailer() *LogMailer { return &LogMailer{} }

func (LogMailer) Send(_ context.Context, m Message) error {
	body, err := Render(m)
	if err != nil {
		return err
	}
	logger.Info("mail sent",
		zap.String("to", m.To),
		zap.String("subject", m.Subject),
		zap.String("template", m.Template),
		zap.Int("body_bytes", len(body)))
	logger.Debug("mail body", zap.String("to", m.To), zap.String("body", body))
	return nil
}
