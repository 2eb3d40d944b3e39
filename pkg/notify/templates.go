package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/alliedcare/membersync/pkg/membership"
)

type emailTemplate struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

// templateData is the value every template is executed against.
type templateData struct {
	SiteName string
	SiteURL  string
	Name     string
	Meta     map[string]string
}

const htmlLayoutStart = `<!DOCTYPE html><html><body style="font-family:sans-serif;color:#1f2933">`
const htmlLayoutEnd = `<p style="color:#7b8794;font-size:12px">{{.SiteName}} &middot; <a href="{{.SiteURL}}">{{.SiteURL}}</a></p></body></html>`

var templates = map[membership.NotificationKind]emailTemplate{
	membership.NotifyWelcome: mustTemplate(
		`Welcome to {{.SiteName}}`,
		`Hi {{.Name}},

your {{index .Meta "membership_type"}} membership is now active. You can open the member hub at {{.SiteURL}}/members.

{{.SiteName}}`,
		`<h2>Welcome, {{.Name}}</h2>
<p>Your <strong>{{index .Meta "membership_type"}}</strong> membership is now active.</p>
<p><a href="{{.SiteURL}}/members">Open the member hub</a></p>`,
	),
	membership.NotifyPastDue: mustTemplate(
		`{{.SiteName}}: payment failed`,
		`Hi {{.Name}},

we could not collect your latest membership payment. Your access stays open for now; please update your payment method at {{.SiteURL}}/account/billing to keep it.

{{.SiteName}}`,
		`<h2>Payment failed</h2>
<p>Hi {{.Name}}, we could not collect your latest membership payment.</p>
<p>Your access stays open for now. <a href="{{.SiteURL}}/account/billing">Update your payment method</a> to keep it.</p>`,
	),
	membership.NotifyCanceled: mustTemplate(
		`{{.SiteName}}: membership ended`,
		`Hi {{.Name}},

your membership has ended and member hub access is closed. You can subscribe again at any time from {{.SiteURL}}/pricing.

{{.SiteName}}`,
		`<h2>Your membership has ended</h2>
<p>Hi {{.Name}}, member hub access is now closed.</p>
<p><a href="{{.SiteURL}}/pricing">Subscribe again</a></p>`,
	),
	membership.NotifyOperatorAlert: mustTemplate(
		`[{{.SiteName}}] unmatched billing event {{index .Meta "event_id"}}`,
		`A billing event could not be matched to any user.

event:        {{index .Meta "event_id"}} ({{index .Meta "event_type"}})
customer:     {{index .Meta "customer_id"}}
email:        {{index .Meta "customer_email"}}
subscription: {{index .Meta "subscription_id"}}
user hint:    {{index .Meta "user_id"}}`,
		`<h2>Unmatched billing event</h2>
<table>
<tr><td>Event</td><td>{{index .Meta "event_id"}} ({{index .Meta "event_type"}})</td></tr>
<tr><td>Customer</td><td>{{index .Meta "customer_id"}}</td></tr>
<tr><td>Email</td><td>{{index .Meta "customer_email"}}</td></tr>
<tr><td>Subscription</td><td>{{index .Meta "subscription_id"}}</td></tr>
<tr><td>User hint</td><td>{{index .Meta "user_id"}}</td></tr>
</table>`,
	),
}

func mustTemplate(subject, text, html string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New("subject").Parse(subject)),
		text:    template.Must(template.New("text").Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New("html").Parse(htmlLayoutStart + html + htmlLayoutEnd)),
	}
}

// render builds the subject and bodies for a notification request.
func render(req membership.NotificationRequest, siteName, siteURL string) (subject, text, html string, err error) {
	tmpl, ok := templates[req.Kind]
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	name := req.Metadata["full_name"]
	if name == "" {
		name = "there"
	}
	data := templateData{SiteName: siteName, SiteURL: siteURL, Name: name, Meta: req.Metadata}
	if data.Meta == nil {
		data.Meta = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.subject.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	subject = buf.String()

	buf.Reset()
	if err := tmpl.text.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("failed to render text body: %w", err)
	}
	text = buf.String()

	buf.Reset()
	if err := tmpl.html.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("failed to render html body: %w", err)
	}
	return subject, text, buf.String(), nil
}
