// Package sym defines canonical symbols used in tempo's logs and CLI output.
package sym

// Glyph string constants.
const (
	Pulse      = "꩜" // scheduler loop and firing
	PulseOpen  = "✿" // startup, recovery
	PulseClose = "❀" // shutdown, drain
	DB         = "⊔" // store and migrations
	AM         = "≡" // configuration
	Lock       = "⚿" // cluster lock coordination
)

// SymbolToCommand maps CLI-facing glyphs to their command names.
var SymbolToCommand = map[string]string{
	Pulse: "scheduler",
	DB:    "db",
	AM:    "am",
}

// CommandToSymbol is the reverse of SymbolToCommand.
var CommandToSymbol = map[string]string{
	"scheduler": Pulse,
	"db":        DB,
	"am":        AM,
}
