// Package logging centralizes the VMM's logrus setup so every internal
// package logs with consistent fields instead of ad-hoc fmt.Printf calls.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// For returns a logger scoped to component, e.g. logging.For("vcpu").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the verbosity of every logger returned by For.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
