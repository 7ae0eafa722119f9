package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received.
// The returned context carries a logger tagged with the service name.
func CreateContextWithShutdown(service string) *csvcontext.Context {
	ctx, cancel := csvcontext.WithCancel(
		csvcontext.WithLogField(csvcontext.Background(), "service", service))
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.WithFields(logrus.Fields{"signal": sig.String()}).Info("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
