package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const notifyTimeout = time.Second

// notifyReady reports readiness to systemd over the socket named in
// NOTIFY_SOCKET, so units ordered after corenetd only start once the
// stack is up. Outside systemd the env var is unset and this is a
// no-op. See sd_notify(3).
func notifyReady(l *logrus.Logger) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debug("NOTIFY_SOCKET not set, skipping the systemd ready signal")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, notifyTimeout)
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(notifyTimeout)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}

	if _, err = conn.Write([]byte("READY=1")); err != nil {
		l.WithError(err).Error("Failed to signal the systemd notification socket")
		return
	}

	l.Debug("Notified systemd the service is ready")
}
