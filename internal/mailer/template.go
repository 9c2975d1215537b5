package mailer

import (
	"fmt"
	"html/template"
	"strings"

	"capsuled/internal/capsule"
)

// Compose renders the delivery email for one capsule. reflection may be empty
// (section omitted); viewURL may be empty (button omitted).
func Compose(c *capsule.Capsule, recipientName, reflection, viewURL string) (Message, error) {
	var body strings.Builder
	err := deliveryTmpl.Execute(&body, deliveryData{
		Capsule:       c,
		RecipientName: recipientName,
		Reflection:    reflection,
		ViewURL:       viewURL,
		WrittenOn:     c.CreatedAt.Format("January 2, 2006"),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("\U0001F512 Time Capsule Delivered: %s", c.Title),
		HTML:    body.String(),
		Text:    composeText(c, recipientName, reflection),
	}, nil
}

func composeText(c *capsule.Capsule, recipientName, reflection string) string {
	var b strings.Builder
	if recipientName != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", recipientName)
	}
	fmt.Fprintf(&b, "A time capsule written on %s has been delivered to you.\n\n", c.CreatedAt.Format("January 2, 2006"))
	fmt.Fprintf(&b, "%s\n\n%s\n", c.Title, c.Content)
	if reflection != "" {
		fmt.Fprintf(&b, "\nReflection: %s\n", reflection)
	}
	if c.SelfDestruct {
		b.WriteString("\nThis capsule self-destructs after its first viewing.\n")
	}
	return b.String()
}

type deliveryData struct {
	Capsule       *capsule.Capsule
	RecipientName string
	Reflection    string
	ViewURL       string
	WrittenOn     string
}

var deliveryTmpl = template.Must(template.New("delivery").Parse(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background:#f4f1ea;font-family:Georgia,'Times New Roman',serif;color:#2d2a26;">
  <div style="max-width:560px;margin:0 auto;padding:32px 24px;">
    <p style="font-size:13px;letter-spacing:2px;text-transform:uppercase;color:#8a8378;">Time Capsule</p>
    <h1 style="font-size:26px;margin:8px 0 4px;">{{.Capsule.Title}}</h1>
    <p style="font-size:14px;color:#8a8378;margin:0 0 24px;">Sealed on {{.WrittenOn}}</p>

    {{if .RecipientName}}<p style="font-size:16px;">Hi {{.RecipientName}},</p>{{end}}

    <div style="background:#ffffff;border:1px solid #e2ddd2;border-radius:8px;padding:24px;font-size:16px;line-height:1.6;white-space:pre-wrap;">{{.Capsule.Content}}</div>

    {{if .Capsule.PhotoURL}}
    <div style="margin-top:20px;">
      <img src="{{.Capsule.PhotoURL}}" alt="Capsule photo" style="max-width:100%;border-radius:8px;" />
    </div>
    {{end}}

    {{if .Capsule.VoiceURL}}
    <p style="margin-top:20px;font-size:15px;">
      &#127908; A voice note was sealed with this capsule:
      <a href="{{.Capsule.VoiceURL}}" style="color:#7a5c3e;">listen here</a>.
    </p>
    {{end}}

    {{if .Reflection}}
    <div style="margin-top:24px;border-left:3px solid #c9b896;padding:4px 16px;font-style:italic;color:#5c5548;">
      {{.Reflection}}
    </div>
    {{end}}

    {{if .Capsule.TrackName}}
    <div style="margin-top:24px;background:#ffffff;border:1px solid #e2ddd2;border-radius:8px;padding:16px;">
      <p style="margin:0;font-size:13px;letter-spacing:1px;text-transform:uppercase;color:#8a8378;">Soundtrack of the moment</p>
      <p style="margin:8px 0 0;font-size:16px;"><strong>{{.Capsule.TrackName}}</strong>{{if .Capsule.TrackArtist}} &mdash; {{.Capsule.TrackArtist}}{{end}}</p>
      {{if .Capsule.TrackPreviewURL}}<p style="margin:8px 0 0;"><a href="{{.Capsule.TrackPreviewURL}}" style="color:#7a5c3e;font-size:14px;">Play preview</a></p>{{end}}
    </div>
    {{end}}

    {{if .Capsule.LocationName}}
    <p style="margin-top:20px;font-size:15px;color:#5c5548;">&#128205; Written at {{.Capsule.LocationName}}</p>
    {{end}}

    {{if .ViewURL}}
    <div style="margin-top:28px;text-align:center;">
      <a href="{{.ViewURL}}" style="display:inline-block;background:#7a5c3e;color:#ffffff;text-decoration:none;padding:12px 28px;border-radius:6px;font-size:16px;">Open your capsule</a>
    </div>
    {{end}}

    {{if .Capsule.SelfDestruct}}
    <p style="margin-top:24px;font-size:14px;color:#a04b3c;">
      &#9888;&#65039; This capsule self-destructs after its first viewing. Once opened, it is gone.
    </p>
    {{end}}

    <p style="margin-top:32px;font-size:13px;color:#8a8378;border-top:1px solid #e2ddd2;padding-top:16px;">
      Delivered by the capsule service. This message was scheduled by its author.
    </p>
  </div>
</body>
</html>`))
