package bots

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dop251/goja"

	"github.com/Dharshan-K/medplum/gateway/internal/repo"
)

// newConsole maps console.log/info/warn/error onto the bot's logger.
func newConsole(vm *goja.Runtime, logger *slog.Logger) *goja.Object {
	console := vm.NewObject()
	bind := func(name string, level slog.Level) {
		console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			logger.Log(context.Background(), level, strings.Join(parts, " "), "source", "console")
			return goja.Undefined()
		})
	}
	bind("log", slog.LevelInfo)
	bind("info", slog.LevelInfo)
	bind("debug", slog.LevelDebug)
	bind("warn", slog.LevelWarn)
	bind("error", slog.LevelError)
	return console
}

// newClient builds the first handler argument. readResource is available
// when the request carries a repository.
func newClient(ctx context.Context, vm *goja.Runtime, r repo.Reader) *goja.Object {
	client := vm.NewObject()
	client.Set("readResource", func(call goja.FunctionCall) goja.Value {
		if r == nil {
			panic(vm.NewTypeError("readResource is not available"))
		}
		res, err := r.ReadResource(ctx, call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		var v any
		if err := json.Unmarshal(res.Content, &v); err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(v)
	})
	return client
}
