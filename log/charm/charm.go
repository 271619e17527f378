// Package charm adapts charmbracelet/log, the logger used by the layercache
// CLI.
package charm

import (
	"github.com/charmbracelet/log"

	"github.com/unkn0wn-root/layercache"
)

var _ layercache.Logger = Logger{}

type Logger struct{ L *log.Logger }

func (c Logger) Debug(msg string, f layercache.Fields) { c.L.Debug(msg, keyvals(f)...) }
func (c Logger) Info(msg string, f layercache.Fields)  { c.L.Info(msg, keyvals(f)...) }
func (c Logger) Warn(msg string, f layercache.Fields)  { c.L.Warn(msg, keyvals(f)...) }
func (c Logger) Error(msg string, f layercache.Fields) { c.L.Error(msg, keyvals(f)...) }

func keyvals(f layercache.Fields) []any {
	if len(f) == 0 {
		return nil
	}
	out := make([]any, 0, 2*len(f))
	for _, k := range f.Keys() {
		out = append(out, k, f[k])
	}
	return out
}
