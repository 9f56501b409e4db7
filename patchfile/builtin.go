package patchfile

import (
	"github.com/charmbracelet/log"
	"github.com/pgaskin/ilpatch/host"
)

// Builtin returns the hooks available to every patch file:
//
//	PreHook: Skip   vetoes the call, which returns nil
//	PreHook: Trace  logs the target and arguments
//	PostHook: Trace logs the target and result
func Builtin(logger *log.Logger) HookSet {
	return HookSet{
		Pre: map[string]host.PreHook{
			"Skip": func(f *host.Frame) (bool, error) {
				f.Result = nil
				return false, nil
			},
			"Trace": func(f *host.Frame) (bool, error) {
				logger.Info("call", "target", f.Target, "args", f.Args)
				return true, nil
			},
		},
		Post: map[string]host.PostHook{
			"Trace": func(f *host.Frame) error {
				logger.Info("return", "target", f.Target, "result", f.Result)
				return nil
			},
		},
	}
}

// BindBuiltin binds the externs available to every patch file:
//
//	callext Trace/1  logs its argument
func BindBuiltin(m *host.Machine, logger *log.Logger) error {
	return m.BindExtern("Trace", 1, false, func(args []host.Value) (host.Value, error) {
		logger.Info("trace", "value", args[0])
		return nil, nil
	})
}

// Merge returns a HookSet with the hooks of both h and o, with o taking
// precedence.
func (h HookSet) Merge(o HookSet) HookSet {
	r := HookSet{
		Pre:  map[string]host.PreHook{},
		Post: map[string]host.PostHook{},
	}
	for _, s := range []HookSet{h, o} {
		for k, v := range s.Pre {
			r.Pre[k] = v
		}
		for k, v := range s.Post {
			r.Post[k] = v
		}
	}
	return r
}
