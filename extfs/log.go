package extfs

import "github.com/sirupsen/logrus"

var log = logrus.StandardLogger()

// SetLogger overrides the logger used for recoverable-anomaly diagnostics
// (directory corruption guard, journal block skips, and a superblock decode
// failure in Open). Journal does not log its failures; it only returns them.
func SetLogger(l *logrus.Logger) {
	log = l
}
