package providers

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// Environment initializes the native ONNX Runtime environment at most once.
// The first Init decides the shared library and the outcome; later calls
// return that outcome regardless of their configuration.
type Environment struct {
	once    sync.Once
	err     error
	libPath string
	// initialize performs the native setup; replaced in tests.
	initialize func(libPath string) error
}

// NewEnvironment returns an uninitialized environment.
func NewEnvironment() *Environment {
	return &Environment{initialize: initializeORT}
}

var defaultEnvironment = NewEnvironment()

// Default returns the process-wide environment.
func Default() *Environment { return defaultEnvironment }

// Init loads the native library named by cfg and initializes ONNX Runtime.
//
// Arguments:
//   - cfg: The runtime configuration; only its shared library path is used.
//
// Returns:
//   - error: The result of the first initialization.
func (e *Environment) Init(cfg RuntimeConfig) error {
	e.once.Do(func() {
		e.libPath = cfg.SharedLibPath()
		e.err = e.initialize(e.libPath)
		if e.err != nil {
			log.Error().Err(e.err).Str("lib", e.libPath).Msg("onnx runtime environment failed")
			return
		}
		log.Info().Str("lib", e.libPath).Str("backend", string(cfg.Backend())).Msg("onnx runtime environment ready")
	})
	return e.err
}

// SharedLibPath returns the library the environment was initialized with.
func (e *Environment) SharedLibPath() string { return e.libPath }

func initializeORT(libPath string) error {
	if libPath == "" {
		return errors.New("no ONNX Runtime shared library configured for this platform")
	}
	// Check the library exists before handing it to the native loader.
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "ONNX Runtime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	return nil
}
