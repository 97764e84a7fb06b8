package app

import (
	"net"
	"strings"
)

// NormalizeViewer returns the listen address for cfgAddr and the URL a
// local browser should use. An empty or unspecified host listens on all
// interfaces and is browsed via loopback.
func NormalizeViewer(cfgAddr string) (listenAddr, url string) {
	a := strings.TrimSpace(cfgAddr)
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return a, "http://" + a
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return a, "http://" + net.JoinHostPort("127.0.0.1", port)
	}
	return a, "http://" + a
}

func logBanner(dir, cfgPath, userID string) {
	log.Info("────────────────────────────────────────")
	log.Info("chatsync node scope")
	log.Infof(" Node folder : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" User id     : %s", userID)
	log.Info("")
	log.Info(" This process represents ONE signed-in user.")
	log.Info(" Different folder/config = different user.")
	log.Info("────────────────────────────────────────")
}
