package scripting

import (
	"context"
	"errors"

	"github.com/dop251/goja"
)

type GojaEngine struct {
	vm  *goja.Runtime
	ctx context.Context
}

func NewEngine() *GojaEngine {
	vm := goja.New()
	return &GojaEngine{vm: vm, ctx: context.Background()}
}

func (e *GojaEngine) Execute(ctx context.Context, script string) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	defer e.vm.ClearInterrupt()

	e.ctx = ctx
	defer func() { e.ctx = context.Background() }()

	go func() {
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := e.vm.RunString(script)
	if err != nil {
		if interruptedErr, ok := err.(*goja.InterruptedError); ok {
			if cause := interruptedErr.Unwrap(); cause != nil {
				return nil, cause
			}
			return nil, context.Canceled
		}
		return nil, err
	}
	return val.Export(), nil
}

func (e *GojaEngine) RegisterDeck(deck Deck) error {
	appObj := e.vm.NewObject()
	err := appObj.Set("alert", func(call goja.FunctionCall) goja.Value {
		msg := ""
		if len(call.Arguments) > 0 {
			msg = call.Arguments[0].String()
		}
		deck.Alert(msg)
		return goja.Undefined()
	})
	if err != nil {
		return err
	}

	funcs := map[string]func(goja.FunctionCall) goja.Value{
		"count": func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(deck.Count())
		},
		"getPage": func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 1 {
				return goja.Undefined()
			}
			page, err := deck.GetPage(int(call.Arguments[0].ToInteger()))
			if err != nil || page == nil {
				return goja.Null()
			}
			return e.pageObject(page)
		},
		"rotate": func(call goja.FunctionCall) goja.Value {
			deck.Rotate(e.intArg(call, 0), e.intArg(call, 1))
			return goja.Undefined()
		},
		"remove": func(call goja.FunctionCall) goja.Value {
			deck.Remove(e.intArg(call, 0))
			return goja.Undefined()
		},
		"move": func(call goja.FunctionCall) goja.Value {
			deck.Move(e.intArg(call, 0), e.intArg(call, 1))
			return goja.Undefined()
		},
		"duplicate": func(call goja.FunctionCall) goja.Value {
			if err := deck.Duplicate(e.intArg(call, 0), e.intArg(call, 1)); err != nil {
				e.throw(err)
			}
			return goja.Undefined()
		},
		"batch": func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				e.throw(errors.New("batch expects a function"))
			}
			deck.BeginBatch()
			defer deck.EndBatch()
			res, err := fn(goja.Undefined())
			if err != nil {
				e.throw(err)
			}
			return res
		},
		"undo": func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(deck.Undo())
		},
		"redo": func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(deck.Redo())
		},
		"getTitle": func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(deck.Title())
		},
		"setTitle": func(call goja.FunctionCall) goja.Value {
			deck.SetTitle(call.Argument(0).String())
			return goja.Undefined()
		},
		"merge": func(call goja.FunctionCall) goja.Value {
			password := ""
			if len(call.Arguments) > 1 {
				password = call.Arguments[1].String()
			}
			if err := deck.Merge(e.ctx, call.Argument(0).String(), password); err != nil {
				e.throw(err)
			}
			return goja.Undefined()
		},
	}
	if err := e.vm.Set("app", appObj); err != nil {
		return err
	}
	for name, fn := range funcs {
		if err := e.vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (e *GojaEngine) pageObject(p PageProxy) goja.Value {
	obj := e.vm.NewObject()
	_ = obj.Set("index", p.GetIndex())
	_ = obj.Set("source", p.GetSource())
	_ = obj.Set("number", p.GetNumber())
	_ = obj.Set("rotation", p.GetRotation())
	_ = obj.Set("label", p.GetLabel())
	return obj
}

func (e *GojaEngine) intArg(call goja.FunctionCall, i int) int {
	return int(call.Argument(i).ToInteger())
}

// throw raises err as a JavaScript exception. Interrupts propagate as they
// are so that scripts cannot catch them.
func (e *GojaEngine) throw(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		panic(interrupted)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	panic(e.vm.NewGoError(err))
}
