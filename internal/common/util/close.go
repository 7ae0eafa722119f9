package util

import (
	"io"

	"github.com/sirupsen/logrus"
)

// CloseResource closes c, logging rather than returning any error.  Meant for deferred cleanup on shutdown paths.
func CloseResource(log *logrus.Entry, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).WithField("resource", name).Warn("Failed to close cleanly")
	}
}
