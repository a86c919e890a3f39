package blockfs

import "github.com/sirupsen/logrus"

// packageLogger is shared by every FileSystem that does not set its own
// via SetLogger; defaulting to logrus.StandardLogger() keeps behavior
// sane for callers who never touch logging at all.
var packageLogger = logrus.StandardLogger()

// SetLogger overrides the logger used by every FileSystem mounted or
// formatted after this call. Pass nil to restore the standard logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		packageLogger = logrus.StandardLogger()
		return
	}
	packageLogger = l
}

// sessionLogger returns a *logrus.Entry tagging every message the given
// FileSystem session emits with its correlation id, the way a request
// handler threads a trace id through its log calls.
func sessionLogger(id string) *logrus.Entry {
	return packageLogger.WithField("session", id)
}
