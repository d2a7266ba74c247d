// Package browser opens verification URLs in the user's default browser,
// degrading to a printed URL on headless machines.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens url in the default browser. It tries the cross-platform
// library first and falls back to OS commands.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		return nil
	}
	return openURLFallback(url)
}

func openURLFallback(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := exec.LookPath(browser); err == nil {
				cmd = exec.Command(browser, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("no suitable browser found")
		}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	return nil
}

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// VerificationNotifier returns a callback for the device authorization flow.
// It prints the verification URL to stdout and then tries to open it in a
// browser; on headless machines the printed URL is all the user gets.
func VerificationNotifier() func(url string) {
	return func(url string) {
		fmt.Printf("\nVisit this URL to authorize the proxy with your Qwen account:\n\n    %s\n\nWaiting for approval...\n\n", url)
		if err := OpenURL(url); err != nil {
			log.Debugf("Could not open browser automatically: %v", err)
		}
	}
}
