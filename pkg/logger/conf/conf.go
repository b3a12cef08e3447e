package conf

type Level int

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type Formatter string

const (
	JSONFormater    Formatter = "json"
	ConsoleFormater Formatter = "console"
)

func isValidFormatter(f Formatter) bool {
	return (f == JSONFormater) || (f == ConsoleFormater)
}

// LogConfig controls the global logger. FilePath empty means stderr only;
// rotation settings apply only when writing to a file.
type LogConfig struct {
	Level      Level     `json:"level" yaml:"level"`
	Formatter  Formatter `json:"formatter" yaml:"formatter"`
	FilePath   string    `json:"file_path" yaml:"file_path"`
	MaxSizeMB  int       `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int       `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int       `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool      `json:"compress" yaml:"compress"`
}

func DefaultConfig() *LogConfig {
	return &LogConfig{
		Level:      InfoLevel,
		Formatter:  ConsoleFormater,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

func (c *LogConfig) Normalize() {
	if !isValidFormatter(c.Formatter) {
		c.Formatter = ConsoleFormater
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
}
