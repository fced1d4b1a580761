package ledger

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

const DefaultMaxBatchSize = 100

type Config struct {
	Port       int
	LedgerPath string
	// Mnemonic seeds the issuer keys on first start. If empty a new one
	// is generated.
	Mnemonic     string
	MaxBatchSize int
	LogLevel     LogLevel
}
