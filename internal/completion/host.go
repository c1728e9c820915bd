package completion

// TriggerKind is what caused an editor to ask for a completion.
type TriggerKind int

const (
	TriggerAutomatic TriggerKind = iota
	TriggerInvoke
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerAutomatic:
		return "automatic"
	case TriggerInvoke:
		return "invoke"
	default:
		return "unknown"
	}
}

// Request is an editor's completion request. Offset is a byte offset into Text.
type Request struct {
	Text        string
	Offset      int
	MIME        string
	TriggerKind TriggerKind
}

// Document identifies where the request was made.
type Document struct {
	// SessionPath is the path of the document's active kernel session, if any.
	SessionPath string
	// Path is the document's own path, used when there is no session.
	Path string
	// Notebook is set when the editor belongs to a notebook.
	Notebook bool
	// ActiveCellID is the notebook's active cell, if any.
	ActiveCellID string
}

func (d Document) path() string {
	if d.SessionPath != "" {
		return d.SessionPath
	}
	return d.Path
}

func (d Document) cellID() string {
	if !d.Notebook {
		return ""
	}
	return d.ActiveCellID
}

// LanguageRegistry resolves a MIME type to a language name. An empty name
// with a nil error means the MIME type is known to have no language.
type LanguageRegistry interface {
	LanguageForMIME(mime string) (string, error)
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Action is a user action offered alongside a notification.
type Action struct {
	Label  string
	Detail string
}

type Notification struct {
	Level   Level
	Message string
	Actions []Action
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// StaticLanguages is a LanguageRegistry backed by a map.
type StaticLanguages map[string]string

func (s StaticLanguages) LanguageForMIME(mime string) (string, error) {
	return s[mime], nil
}
