package pic

import "fmt"

// ConfigurationError reports invalid or contradictory options. It is raised
// while the run is being configured, before any file is read.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(format string, a ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, a...)}
}
