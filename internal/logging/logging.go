package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

func init() {
	root.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	root.SetOutput(os.Stdout)
	root.SetLevel(logrus.InfoLevel)

	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		root.SetLevel(lvl)
	}
}

// For returns a logger entry tagged with the originating component.
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}
