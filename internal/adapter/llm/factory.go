package llm

import (
	"os"
	"time"

	"github.com/xiaot623/conductor/internal/log"
)

const (
	// EnvConductorMode is the environment variable name for mode selection.
	EnvConductorMode = "CONDUCTOR_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewModel creates a model based on configuration and CONDUCTOR_MODE.
// If mock is set or CONDUCTOR_MODE=MOCK, returns a MockModel.
func NewModel(baseURL, apiKey, model string, timeout time.Duration, mock bool) Model {
	if mock || os.Getenv(EnvConductorMode) == ModeMock {
		log.Infof("mock mode enabled, using mock model")
		return NewMockModel()
	}
	return NewOpenAIModel(baseURL, apiKey, model, timeout)
}
