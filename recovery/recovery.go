package recovery

// Strategy decides what happens to a page whose render failed.
type Strategy interface {
	OnError(ctx Context, err error, location Location) Action
}

// Location identifies the failed page.
type Location struct {
	Component  string
	Index      int
	SourceID   string
	PageNumber int
}

type Action int

const (
	// ActionFail keeps the placeholder and surfaces the error to consumers.
	ActionFail Action = iota
	// ActionSkip keeps the placeholder without surfacing anything.
	ActionSkip
	// ActionFix retries the render once before failing.
	ActionFix
	// ActionWarn behaves like ActionFail and additionally logs a warning.
	ActionWarn
)

func (a Action) String() string {
	switch a {
	case ActionFail:
		return "fail"
	case ActionSkip:
		return "skip"
	case ActionFix:
		return "fix"
	case ActionWarn:
		return "warn"
	}
	return "unknown"
}

type Context interface{ Done() <-chan struct{} }
