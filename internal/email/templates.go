package email

import (
	"fmt"
	"html"
	"time"
)

// DeviceNotice describes the device a security notice is about
type DeviceNotice struct {
	AppName    string
	FirstName  string
	DeviceName string
	At         time.Time
}

func (n DeviceNotice) device() string {
	if n.DeviceName == "" {
		return "a new device"
	}
	return n.DeviceName
}

func (n DeviceNotice) when() string {
	return n.At.UTC().Format("2 Jan 2006 15:04 MST")
}

// NewDeviceSubject returns the subject line of the enrollment notice
func NewDeviceSubject(appName string) string {
	return fmt.Sprintf("%s: a new device was activated", appName)
}

// NewDeviceText returns the plain-text body of the enrollment notice
func NewDeviceText(n DeviceNotice) string {
	return fmt.Sprintf(`Hello %s,

%s was activated for your %s account on %s.

If this was you, no action is needed. If you did not activate this device, contact your coordinator so the device can be revoked.

- %s`, n.FirstName, n.device(), n.AppName, n.when(), n.AppName)
}

// NewDeviceHTML returns the HTML body of the enrollment notice
func NewDeviceHTML(n DeviceNotice) string {
	return layoutHTML(n.AppName, "New device activated", fmt.Sprintf(
		`Hello %s,</p><p style="%s"><strong>%s</strong> was activated for your account on %s.</p>
<p style="%s">If this was you, no action is needed. If you did not activate this device, contact your coordinator so the device can be revoked.`,
		html.EscapeString(n.FirstName), paragraphStyle, html.EscapeString(n.device()), n.when(), paragraphStyle))
}

// ReplaySubject returns the subject line of the replay notice
func ReplaySubject(appName string) string {
	return fmt.Sprintf("%s: a device was signed out for your security", appName)
}

// ReplayText returns the plain-text body of the replay notice
func ReplayText(n DeviceNotice) string {
	return fmt.Sprintf(`Hello %s,

On %s we saw an old sign-in credential for %s being used again. This can mean the credential was copied, so the device has been signed out.

To keep using the device, activate it again with your e-mail address and password.

- %s`, n.FirstName, n.when(), n.device(), n.AppName)
}

// ReplayHTML returns the HTML body of the replay notice
func ReplayHTML(n DeviceNotice) string {
	return layoutHTML(n.AppName, "Device signed out", fmt.Sprintf(
		`Hello %s,</p><p style="%s">On %s we saw an old sign-in credential for <strong>%s</strong> being used again. This can mean the credential was copied, so the device has been signed out.</p>
<p style="%s">To keep using the device, activate it again with your e-mail address and password.`,
		html.EscapeString(n.FirstName), paragraphStyle, n.when(), html.EscapeString(n.device()), paragraphStyle))
}

const paragraphStyle = "margin:0 0 16px;font-size:15px;color:#4a4a68;line-height:1.6;"

// layoutHTML wraps body, which must already be escaped, in the shared layout
func layoutHTML(appName, title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%s</title>
</head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f5f7;padding:40px 0;">
<tr><td align="center">
<table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;overflow:hidden;">
  <tr><td style="padding:32px 40px 24px;text-align:center;">
    <h1 style="margin:0;font-size:22px;color:#1a1a2e;">%s</h1>
  </td></tr>
  <tr><td style="padding:0 40px 24px;">
    <p style="%s">%s</p>
  </td></tr>
  <tr><td style="padding:16px 40px;background-color:#f9f9fc;border-top:1px solid #eeeef2;">
    <p style="margin:0;font-size:12px;color:#aaaabc;text-align:center;">%s security notice. Please do not reply.</p>
  </td></tr>
</table>
</td></tr>
</table>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), paragraphStyle, body, html.EscapeString(appName))
}
