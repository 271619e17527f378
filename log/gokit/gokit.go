package gokit

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/unkn0wn-root/layercache"
)

var _ layercache.Logger = Logger{}

// Logger writes through a go-kit logger with the level package's keys.
type Logger struct{ L log.Logger }

func (g Logger) Debug(msg string, f layercache.Fields) { _ = level.Debug(g.L).Log(keyvals(msg, f)...) }
func (g Logger) Info(msg string, f layercache.Fields)  { _ = level.Info(g.L).Log(keyvals(msg, f)...) }
func (g Logger) Warn(msg string, f layercache.Fields)  { _ = level.Warn(g.L).Log(keyvals(msg, f)...) }
func (g Logger) Error(msg string, f layercache.Fields) { _ = level.Error(g.L).Log(keyvals(msg, f)...) }

func keyvals(msg string, f layercache.Fields) []any {
	out := make([]any, 0, 2+2*len(f))
	out = append(out, "msg", msg)
	for _, k := range f.Keys() {
		out = append(out, k, f[k])
	}
	return out
}
