// Package logrus adapts a *logrus.Entry to offcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/offcache"
)

var _ offcache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f offcache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f offcache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f offcache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f offcache.Fields) { l.with(f).Error(msg) }

// with maps the "err" field onto logrus' own error key.
func (l LogrusLogger) with(f offcache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out[logrus.ErrorKey] = err
			continue
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
