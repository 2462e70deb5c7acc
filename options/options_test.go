package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	opts := Defaults()
	assert.NotNil(t, opts.ORTOptions)
	assert.NotNil(t, opts.ORTOptions.LibraryPath)
	assert.NotNil(t, opts.Logger)
	assert.NoError(t, opts.Destroy())
}

func TestWithOnnxLibraryPath(t *testing.T) {
	t.Run("ExistingDirectory", func(t *testing.T) {
		dir := t.TempDir()
		opts := Defaults()
		assert.NoError(t, WithOnnxLibraryPath(dir)(opts))
		assert.Equal(t, dir, *opts.ORTOptions.LibraryDir)
		assert.Contains(t, *opts.ORTOptions.LibraryPath, dir)
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		opts := Defaults()
		assert.Error(t, WithOnnxLibraryPath("/definitely/not/a/real/path")(opts))
	})
}

func TestWithLogger(t *testing.T) {
	opts := Defaults()
	assert.Error(t, WithLogger(nil)(opts))

	logger := zap.NewNop()
	assert.NoError(t, WithLogger(logger)(opts))
	assert.Equal(t, logger, opts.Logger)
}

func TestSessionOptions(t *testing.T) {
	opts := Defaults()
	for _, option := range []WithOption{
		WithTelemetry(),
		WithIntraOpNumThreads(4),
		WithInterOpNumThreads(2),
		WithCPUMemArena(true),
		WithMemPattern(false),
		WithCuda(map[string]string{"device_id": "0"}),
		WithCoreML(1),
	} {
		assert.NoError(t, option(opts))
	}

	assert.True(t, *opts.ORTOptions.Telemetry)
	assert.Equal(t, 4, *opts.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, 2, *opts.ORTOptions.InterOpNumThreads)
	assert.True(t, *opts.ORTOptions.CPUMemArena)
	assert.False(t, *opts.ORTOptions.MemPattern)
	assert.Equal(t, "0", opts.ORTOptions.CudaOptions["device_id"])
	assert.Equal(t, uint32(1), *opts.ORTOptions.CoreMLFlags)
}
