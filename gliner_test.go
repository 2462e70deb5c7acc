package gliner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/gliner/options"
)

func TestNewSessionValidation(t *testing.T) {
	t.Run("ModelPathRequired", func(t *testing.T) {
		_, err := NewSession(Config{})
		assert.ErrorContains(t, err, "model path")
	})

	t.Run("SessionOptionErrorsPropagate", func(t *testing.T) {
		_, err := NewSession(Config{
			ModelPath:      "/models/gliner",
			SessionOptions: []SessionOption{options.WithLogger(nil)},
		})
		assert.ErrorContains(t, err, "logger")
	})
}
