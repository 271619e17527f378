package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/layercache"
)

var _ layercache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f layercache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f layercache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f layercache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f layercache.Fields) { l.with(f).Error(msg) }

// with maps an "err" field onto logrus' own error key.
func (l LogrusLogger) with(f layercache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if k == "err" {
			k = logrus.ErrorKey
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
