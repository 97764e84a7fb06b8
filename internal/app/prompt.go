package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/config"
)

// PromptInteractive asks for the settings a new node usually changes,
// starting from cfg. An invalid result falls back to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "chatsync interactive setup")
	fmt.Fprintf(w, " Node folder : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.DisplayName = askString(in, w, "Display name", cfg.Identity.DisplayName)
	cfg.Viewer.HTTPAddr = askString(in, w, "HTTP addr", cfg.Viewer.HTTPAddr)

	cfg.Signaling.Host = askBool(in, w, "Host the realtime relay", cfg.Signaling.Host)
	if !cfg.Signaling.Host {
		cfg.Signaling.RelayURL = askString(in, w, "Relay URL (ws://host:port/api/rtdb/ws)", cfg.Signaling.RelayURL)
	}

	cfg.Call.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", cfg.Call.RingTimeoutSec)
	cfg.Call.VideoDisabled = !askBool(in, w, "Video calls", !cfg.Call.VideoDisabled)
	cfg.Push.NotifierURL = askString(in, w, "Push notifier URL (empty=off)", cfg.Push.NotifierURL)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
