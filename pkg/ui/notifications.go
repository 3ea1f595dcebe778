package ui

import (
	"fmt"
	"os/exec"
	"runtime"
)

// NotificationSender interface for platform-specific notification implementations
type NotificationSender interface {
	Send(title, message string) error
}

// LinuxNotificationSender sends notifications on Linux using notify-send
type LinuxNotificationSender struct{}

func (l *LinuxNotificationSender) Send(title, message string) error {
	cmd := exec.Command("notify-send", title, message)
	return cmd.Run()
}

// MacOSNotificationSender sends notifications on macOS using osascript
type MacOSNotificationSender struct{}

func (m *MacOSNotificationSender) Send(title, message string) error {
	script := fmt.Sprintf(`display notification "%s" with title "%s"`, message, title)
	cmd := exec.Command("osascript", "-e", script)
	return cmd.Run()
}

// WindowsNotificationSender sends notifications on Windows using PowerShell
type WindowsNotificationSender struct{}

func (w *WindowsNotificationSender) Send(title, message string) error {
	script := fmt.Sprintf(`
		[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null
		[Windows.Data.Xml.Dom.XmlDocument, Windows.Data.Xml.Dom.XmlDocument, ContentType = WindowsRuntime] | Out-Null
		$xml = @"
<toast>
	<visual>
		<binding template="ToastText02">
			<text id="1">%s</text>
			<text id="2">%s</text>
		</binding>
	</visual>
</toast>
"@
		$doc = [Windows.Data.Xml.Dom.XmlDocument]::new()
		$doc.LoadXml($xml)
		$toast = [Windows.UI.Notifications.ToastNotification]::new($doc)
		[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier("igcrawler").Show($toast)
	`, title, message)

	cmd := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	return cmd.Run()
}

// Notifier prints crawl outcomes and mirrors them to the desktop when
// enabled
type Notifier struct {
	sender  NotificationSender
	enabled bool
}

// NewNotifier picks the sender for the current platform. With enabled false
// messages are only printed.
func NewNotifier(enabled bool) *Notifier {
	var sender NotificationSender
	switch runtime.GOOS {
	case "linux":
		sender = &LinuxNotificationSender{}
	case "darwin":
		sender = &MacOSNotificationSender{}
	case "windows":
		sender = &WindowsNotificationSender{}
	}
	return &Notifier{sender: sender, enabled: enabled}
}

func (n *Notifier) send(title, message string) {
	if n.enabled && n.sender != nil {
		// notifications are best effort
		_ = n.sender.Send(title, message)
	}
}

// CrawlFinished reports a finished follower crawl
func (n *Notifier) CrawlFinished(target string, collected int, accounts []string) {
	title := "Crawl finished"
	message := fmt.Sprintf("%d followers of @%s via %d accounts", collected, target, len(accounts))
	printf(false, "\n%s: %s\n", Green(title), Green(message))
	n.send(title, message)
}

// CrawlFailed reports a failed follower crawl
func (n *Notifier) CrawlFailed(target string, err error) {
	title := "Crawl failed"
	message := fmt.Sprintf("@%s: %v", target, err)
	printf(true, "\n%s: %s\n", Red(title), Red(message))
	n.send(title, message)
}
