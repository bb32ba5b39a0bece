// Package notify delivers run reports via email
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/actionsrv/app/model"
)

// Params define when and how run reports are made
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // html template file for failed runs, built-in if empty
	CompletionTemplate string // html template file for passed runs, built-in if empty
	HostName           string // reported host, os.Hostname if empty
}

// SendersParams define destinations
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPTimeOut  time.Duration
	FromEmail    string
	ToEmails     []string
}

// Service sends reports of finished runs
type Service struct {
	Params
	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
}

// NewService makes notification service, returns nil if no destinations set
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 {
		return nil
	}
	if p.HostName == "" {
		p.HostName = hostName()
	}
	from := sp.FromEmail
	if from == "" {
		from = "actionsrv@" + p.HostName
	}
	email := notify.NewEmail(notify.SMTPParams{
		Host:        sp.SMTPHost,
		Port:        sp.SMTPPort,
		TLS:         sp.SMTPTLS,
		ContentType: "text/html",
		Charset:     "UTF-8",
		Username:    sp.SMTPUsername,
		Password:    sp.SMTPPassword,
		TimeOut:     sp.SMTPTimeOut,
	})
	return &Service{Params: p, destinations: []notify.Notifier{email}, fromEmail: from, toEmail: sp.ToEmails}
}

// IsOnError reports whether failed runs are reported
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion reports whether passed runs are reported
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// Notify sends report of a finished run if enabled for its status
func (s *Service) Notify(ctx context.Context, desc string, run model.Run) error {
	switch {
	case run.Status == model.RunFailed && s.IsOnError():
		msg, err := s.MakeErrorHTML(desc, run)
		if err != nil {
			return err
		}
		return s.Send(ctx, fmt.Sprintf("Run %d of %s failed", run.NumberedID, desc), msg)
	case run.Status == model.RunPassed && s.IsOnCompletion():
		msg, err := s.MakeCompletionHTML(desc, run)
		if err != nil {
			return err
		}
		return s.Send(ctx, fmt.Sprintf("Run %d of %s completed", run.NumberedID, desc), msg)
	}
	return nil
}

// Send message with subject to all destinations, errors of all destinations are collected
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinations {
		if dest.Schema() != "mailto" {
			continue
		}
		to := url.URL{Scheme: "mailto", Opaque: strings.Join(s.toEmail, ",")}
		q := url.Values{}
		q.Set("from", s.fromEmail)
		q.Set("subject", subj)
		to.RawQuery = q.Encode()
		log.Printf("[DEBUG] send %q to %v", subj, s.toEmail)
		if err := dest.Send(ctx, to.String(), text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MakeErrorHTML makes report of a failed run
func (s *Service) MakeErrorHTML(desc string, run model.Run) (string, error) {
	return s.render(s.ErrorTemplate, defaultErrorTemplate, desc, run)
}

// MakeCompletionHTML makes report of a passed run
func (s *Service) MakeCompletionHTML(desc string, run model.Run) (string, error) {
	return s.render(s.CompletionTemplate, defaultCompletionTemplate, desc, run)
}

// render applies template from file, falls back to the built-in one if the file can't be used
func (s *Service) render(file, builtin, desc string, run model.Run) (string, error) {
	data := struct {
		Action  string
		Run     model.Run
		TS      time.Time
		Host    string
		Error   string
		Elapsed string
	}{
		Action: desc,
		Run:    run,
		TS:     time.Now(),
		Host:   s.HostName,
	}
	if run.ErrorMessage != nil {
		data.Error = *run.ErrorMessage
	}
	if run.RunTime != nil {
		data.Elapsed = time.Duration(*run.RunTime * float64(time.Second)).Round(time.Millisecond).String()
	}

	if file != "" {
		res, err := execTemplate(file, data)
		if err == nil {
			return res, nil
		}
		log.Printf("[WARN] can't use template %s, %v", file, err)
	}
	t, err := template.New("msg").Parse(builtin)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func execTemplate(file string, data any) (string, error) {
	t, err := template.ParseFiles(file)
	if err != nil {
		return "", err
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func hostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

const reportStyle = `<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>`

var defaultErrorTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		` + reportStyle + `
	</head>
	<body>
		<p>Action run failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Action: <span class="bold">{{.Action}}</span></li>
			<li>Run: <span class="bold">{{.Run.NumberedID}}</span> ({{.Run.ID}})</li>
			<li>Run time: {{.Elapsed}}</li>
		</ul>
		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

var defaultCompletionTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		` + reportStyle + `
	</head>
	<body>
		<p>Action run completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Action: <span class="bold">{{.Action}}</span></li>
			<li>Run: <span class="bold">{{.Run.NumberedID}}</span> ({{.Run.ID}})</li>
			<li>Run time: {{.Elapsed}}</li>
		</ul>
	</body>
</html>
`
